package views

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"cbvkit/pkg/cbv"
)

// Provider names registered in the injector
const (
	ProviderUsers  = "users"
	ProviderLogger = "logger"
)

// ListUsersInput selects a page of users
type ListUsersInput struct {
	Offset int    `query:"offset" default:"0" validate:"gte=0"`
	Limit  int    `query:"limit" validate:"omitempty,gte=1,lte=100"`
	Email  string `query:"email" validate:"omitempty,email"`
}

// CreateUserInput is the body of POST /users
type CreateUserInput struct {
	Name  string `json:"name" validate:"required,min=2,max=100"`
	Email string `json:"email" validate:"required,email"`
}

// UserIDInput addresses one user
type UserIDInput struct {
	ID uuid.UUID `path:"id"`
}

// UpdateUserInput is the body of PUT /users/{id}
type UpdateUserInput struct {
	ID    uuid.UUID `path:"id"`
	Name  *string   `json:"name" validate:"omitempty,min=2,max=100"`
	Email *string   `json:"email" validate:"omitempty,email"`
}

// UserPage is one page of the user listing
type UserPage struct {
	Users  []User `json:"users"`
	Total  int    `json:"total"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// Render implements render.Renderer
func (p *UserPage) Render(w http.ResponseWriter, r *http.Request) error {
	if p.Users == nil {
		p.Users = []User{}
	}
	return nil
}

// UserCollectionView serves /users
type UserCollectionView struct {
	Store    *UserStore   `cbv:"depends=users"`
	Logger   *slog.Logger `cbv:"depends=logger"`
	PageSize int          `cbv:"param,name=page_size"`
}

// Get lists users
func (v *UserCollectionView) Get(ctx context.Context, in ListUsersInput) (*UserPage, error) {
	limit := in.Limit
	if limit == 0 {
		limit = v.PageSize
	}
	users, total := v.Store.List(ctx, in.Offset, limit, in.Email)
	return &UserPage{Users: users, Total: total, Offset: in.Offset, Limit: limit}, nil
}

// Post creates a user
func (v *UserCollectionView) Post(ctx context.Context, in CreateUserInput) (*User, error) {
	u, err := v.Store.Create(ctx, in.Name, in.Email)
	if err != nil {
		return nil, err
	}
	v.Logger.InfoContext(ctx, "user created", slog.String("user_id", u.ID.String()))
	return &u, nil
}

// UserView serves /users/{id}
type UserView struct {
	Store  *UserStore   `cbv:"depends=users"`
	Logger *slog.Logger `cbv:"depends=logger"`
}

// Get returns one user
func (v *UserView) Get(ctx context.Context, in UserIDInput) (*User, error) {
	u, err := v.Store.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Put updates the fields present in the body
func (v *UserView) Put(ctx context.Context, in UpdateUserInput) (*User, error) {
	u, err := v.Store.Update(ctx, in.ID, in.Name, in.Email)
	if err != nil {
		return nil, err
	}
	v.Logger.InfoContext(ctx, "user updated", slog.String("user_id", u.ID.String()))
	return &u, nil
}

// Delete removes a user
func (v *UserView) Delete(ctx context.Context, in UserIDInput) error {
	if err := v.Store.Delete(ctx, in.ID); err != nil {
		return err
	}
	v.Logger.InfoContext(ctx, "user deleted", slog.String("user_id", in.ID.String()))
	return nil
}

// NewUserRouters registers the user views. Each view gets its own router
// because API keeps only the routes of the view it links.
func NewUserRouters(opts ...cbv.RouterOption) ([]*cbv.Router, error) {
	withDescription := func(desc string) []cbv.RouterOption {
		return append(append([]cbv.RouterOption(nil), opts...), cbv.WithDescription(desc))
	}

	collection := cbv.NewRouter("/users", "User", withDescription("User collection")...)
	if err := collection.Method((*UserCollectionView).Get,
		cbv.MethodSummary("List users"),
		cbv.ResponseModel(UserPage{}),
	); err != nil {
		return nil, err
	}
	if err := collection.Method((*UserCollectionView).Post,
		cbv.MethodSummary("Create a user"),
		cbv.StatusCode(http.StatusCreated),
		cbv.ResponseModel(User{}),
		cbv.Responses(map[int]cbv.Response{http.StatusConflict: {Description: "Email already registered"}}),
	); err != nil {
		return nil, err
	}
	if _, err := cbv.API(collection, &UserCollectionView{PageSize: 20}); err != nil {
		return nil, err
	}

	item := cbv.NewRouter("/users/{id}", "User", withDescription("Single user")...)
	if err := item.Method((*UserView).Get, cbv.ResponseModel(User{})); err != nil {
		return nil, err
	}
	if err := item.Method((*UserView).Put, cbv.ResponseModel(User{})); err != nil {
		return nil, err
	}
	if err := item.Method((*UserView).Delete, cbv.StatusCode(http.StatusNoContent)); err != nil {
		return nil, err
	}
	if _, err := cbv.API(item, &UserView{}); err != nil {
		return nil, err
	}

	return []*cbv.Router{collection, item}, nil
}
