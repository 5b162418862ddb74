// Package cbv groups related HTTP handlers as methods of one view struct.
//
// A Router holds the shared path, tags and description of a view. Each
// method is registered with Router.Method, which derives the HTTP verb from
// the method name. API then rewrites the view's constructor and links every
// route to it, so each request gets a fresh view whose tagged fields are
// injected:
//
//	type UserView struct {
//		Store *Store `cbv:"depends=store"`
//		Limit int    `cbv:"param"`
//	}
//
//	func (v *UserView) Get(ctx context.Context, in ListInput) ([]User, error) { ... }
//
//	router := cbv.NewRouter("/users", "User", cbv.WithInjector(injector))
//	router.MustMethod((*UserView).Get)
//	cbv.MustAPI(router, &UserView{Limit: 20})
//	router.Mount(mux)
//
// WebSocket views embed WebSocketBase, override the hooks they need and are
// registered with WebSocket.
package cbv
