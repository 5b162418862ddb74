package cbv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	apierrors "cbvkit/internal/errors"
	"cbvkit/internal/shared/testutil"
	"cbvkit/pkg/depends"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type itemInput struct {
	ID   string `path:"id" validate:"required"`
	Name string `json:"name" validate:"required,min=2"`
}

type itemView struct {
	Prefix string `cbv:"param"`
}

// itemProto is shared by every test: the first API call fixes the class.
var itemProto = &itemView{Prefix: "item-"}

func (v *itemView) Get(ctx context.Context, in itemInput) (item, error) {
	return item{ID: in.ID, Name: v.Prefix + in.Name}, nil
}

func (v *itemView) Put(ctx context.Context, in *itemInput) (*item, error) {
	return &item{ID: in.ID, Name: in.Name}, nil
}

func (v *itemView) Delete(ctx context.Context) error {
	return nil
}

func (v *itemView) Patch(ctx context.Context) error {
	return apierrors.NotFoundError("item")
}

func (v *itemView) Head(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Prefix", v.Prefix)
	w.WriteHeader(http.StatusOK)
}

func (v *itemView) Options(ctx context.Context) (string, error) {
	return "GET, PUT, DELETE", nil
}

func (v *itemView) List(ctx context.Context) ([]item, error) {
	return nil, nil
}

func TestRouter_MethodRejectsUnknownNames(t *testing.T) {
	router := NewRouter("/items", "Item")

	tests := []struct {
		name    string
		handler any
		want    error
	}{
		{name: "method not named after a verb", handler: (*itemView).List, want: ErrInvalidMethodName},
		{name: "func literal", handler: func(*itemView, context.Context) error { return nil }, want: ErrInvalidMethodName},
		{name: "not a function", handler: "get", want: ErrInvalidHandler},
		{name: "nil", handler: nil, want: ErrInvalidHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := router.Method(tt.handler)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, apierrors.IsType(err, apierrors.ErrTypeConfig))
		})
	}

	assert.Empty(t, router.Routes(), "failed registrations add no routes")
	assert.Panics(t, func() { router.MustMethod((*itemView).List) })
}

func TestRouter_MethodRejectsBadShapes(t *testing.T) {
	router := NewRouter("/items", "Item")

	err := NewRouter("items", "Item").Method((*itemView).Get)
	assert.ErrorIs(t, err, ErrMissingPath)

	assert.ErrorIs(t, router.Method((*shapeView).Get), ErrInvalidHandler)
	assert.ErrorIs(t, router.Method((*shapeView).Post), ErrInvalidHandler)
	assert.ErrorIs(t, router.Method((*shapeView).Put), ErrInvalidHandler)
}

type shapeView struct{}

func (shapeView) Get(ctx context.Context) int                         { return 0 }
func (v *shapeView) Post(ctx context.Context, n int) error            { return nil }
func (v *shapeView) Put(w http.ResponseWriter, r *http.Request) error { return nil }

func TestRouter_MethodBuildsRouteMetadata(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	router := NewRouter("/items", "Item",
		WithDescription("Item operations"),
		WithLogger(logger),
	)

	require.NoError(t, router.Method((*itemView).Get,
		MethodTags("read"),
		ResponseModel(item{}),
		Responses(map[int]Response{404: {Description: "Item not found"}}),
	))
	require.NoError(t, router.Method((*itemView).Put, MethodSummary("Replace an item")))
	require.NoError(t, router.Method((*itemView).Delete, StatusCode(http.StatusNoContent), Deprecated()))

	routes := router.Routes()
	require.Len(t, routes, 3)

	get := routes[0]
	assert.Equal(t, "/items", get.Path)
	assert.Equal(t, http.MethodGet, get.Method)
	assert.Equal(t, KindHTTP, get.Kind)
	assert.Equal(t, "Item_items_get", get.OperationID)
	assert.Equal(t, "Item _ get", get.Summary)
	assert.Equal(t, "Item operations", get.Description)
	assert.Equal(t, []string{"read", "Item"}, get.Tags)
	assert.Equal(t, "Successful Response", get.ResponseDescription)
	assert.Equal(t, "Item not found", get.Responses[404].Description)
	assert.Equal(t, "item", get.ResponseModel.Name())
	assert.Equal(t, http.StatusOK, get.StatusCode)
	assert.True(t, get.IncludeInSchema)
	assert.Equal(t, "cbv.(*itemView).Get", get.Name)
	assert.True(t, get.Endpoint.IsMethod)
	assert.False(t, get.Linked())

	put := routes[1]
	assert.Equal(t, "Replace an item", put.Summary)
	assert.Equal(t, []string{"Item"}, put.Tags)

	del := routes[2]
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.True(t, del.Deprecated)

	// Tags are never shared between routes.
	get.Tags[1] = "mutated"
	assert.Equal(t, []string{"Item"}, put.Tags)
	assert.Equal(t, []string{"Item"}, router.Tags)

	assert.Equal(t, 3, logs.CountMessage("route registered"))
	assert.True(t, logs.ContainsAttr("operation_id", "Item_items_get"))
}

func TestRouter_SummaryFallsBackToRouterSummary(t *testing.T) {
	router := NewRouter("/items", "Item", WithSummary("Items"), WithTags("a", "b"))
	require.NoError(t, router.Method((*itemView).Get))

	route := router.Routes()[0]
	assert.Equal(t, "Items", route.Summary)
	assert.Equal(t, []string{"a", "b"}, route.Tags)
}

func TestEndpoint_Signature(t *testing.T) {
	router := NewRouter("/items/{id}", "Item")
	require.NoError(t, router.Method((*itemView).Put))

	ep := router.Routes()[0].Endpoint
	sig := ep.Signature()
	assert.Equal(t, []string{"self", "id", "name"}, sig.Names())
	for _, p := range sig.Params {
		assert.Equal(t, PositionalOrKeyword, p.Kind, p.Name)
	}
	assert.True(t, depends.IsRequired(sig.Params[1].Default))

	class, err := API(router, itemProto)
	require.NoError(t, err)

	sig = ep.Signature()
	marker, ok := sig.Params[0].Marker()
	require.True(t, ok)
	assert.Same(t, class.Constructor(), marker)
	assert.Equal(t, KeywordOnly, sig.Params[1].Kind)
	assert.Equal(t, KeywordOnly, sig.Params[2].Kind)
	assert.Contains(t, sig.String(), "self *cbv.itemView = Depends(itemView), *, id string = Required")
}

func newItemServer(t *testing.T) http.Handler {
	t.Helper()
	router := NewRouter("/items/{id}", "Item")
	router.MustMethod((*itemView).Get)
	router.MustMethod((*itemView).Put)
	router.MustMethod((*itemView).Delete)
	router.MustMethod((*itemView).Patch)
	router.MustMethod((*itemView).Head)
	router.MustMethod((*itemView).Options, ContentType("text/plain; charset=utf-8"))
	MustAPI(router, itemProto)
	return router.Handler()
}

func TestRoute_ServeHTTP(t *testing.T) {
	handler := newItemServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		check      func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:       "get binds path and body",
			method:     http.MethodGet,
			path:       "/items/42",
			body:       `{"name":"lamp"}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var got item
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.Equal(t, item{ID: "42", Name: "item-lamp"}, got)
			},
		},
		{
			name:       "validation failure",
			method:     http.MethodPut,
			path:       "/items/42",
			body:       `{"name":"x"}`,
			wantStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Contains(t, rec.Body.String(), "name")
			},
		},
		{
			name:       "error-only handler",
			method:     http.MethodDelete,
			path:       "/items/42",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "handler error rendered as problem",
			method:     http.MethodPatch,
			path:       "/items/42",
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Contains(t, rec.Header().Get("Content-Type"), "json")
			},
		},
		{
			name:       "http handler",
			method:     http.MethodHead,
			path:       "/items/42",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "item-", rec.Header().Get("X-Prefix"))
			},
		},
		{
			name:       "plain text result",
			method:     http.MethodOptions,
			path:       "/items/42",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "GET, PUT, DELETE", rec.Body.String())
				assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			},
		},
		{
			name:       "method not allowed",
			method:     http.MethodPost,
			path:       "/items/42",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, rec)
			}
		})
	}
}

func TestRoute_ViewNotBound(t *testing.T) {
	router := NewRouter("/items/{id}", "Item")
	require.NoError(t, router.Method((*itemView).Delete))

	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/items/1", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), apierrors.TypeViewNotBound)
}

func TestRouter_AddRouteAndMount(t *testing.T) {
	router := NewRouter("/items", "Item")

	err := router.AddRoute(http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("index"))
	}), RouteName("index"))
	require.NoError(t, err)

	assert.ErrorIs(t, router.AddRoute("fetch", "/", http.NotFoundHandler()), ErrInvalidMethodName)
	assert.ErrorIs(t, router.AddRoute(http.MethodGet, "", http.NotFoundHandler()), ErrMissingPath)
	assert.ErrorIs(t, router.AddRoute(http.MethodGet, "/x", nil), ErrInvalidHandler)

	route := router.Routes()[0]
	assert.Equal(t, "index", route.Name)
	assert.Equal(t, "Item__get", route.OperationID)
	assert.True(t, route.Linked())

	mux := chi.NewRouter()
	router.Mount(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "index", rec.Body.String())
}

func TestRouter_Dependencies(t *testing.T) {
	calls := 0
	audit := depends.Depends(func(r *http.Request) (string, error) {
		calls++
		if r.Header.Get("X-Token") == "" {
			return "", apierrors.New(http.StatusUnauthorized, "UNAUTHORIZED", "missing token")
		}
		return "ok", nil
	})

	router := NewRouter("/items/{id}", "Item")
	require.NoError(t, router.Method((*itemView).Delete, Dependencies(audit)))
	MustAPI(router, itemProto)
	handler := router.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/items/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/items/1", nil)
	req.Header.Set("X-Token", "t")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestRouter_RedirectSlashes(t *testing.T) {
	tests := []struct {
		name       string
		opts       []RouterOption
		mounted    bool
		wantStatus int
	}{
		{name: "handler redirects by default", wantStatus: http.StatusMovedPermanently},
		{name: "handler with redirect disabled", opts: []RouterOption{WithRedirectSlashes(false)}, wantStatus: http.StatusNotFound},
		{name: "mounted router leaves redirect to the parent", mounted: true, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter("/", "Item", tt.opts...)
			require.NoError(t, router.AddRoute(http.MethodGet, "/items", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("index"))
			})))

			var handler http.Handler = router.Handler()
			if tt.mounted {
				mux := chi.NewRouter()
				router.Mount(mux)
				handler = mux
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusMovedPermanently {
				assert.True(t, strings.HasSuffix(rec.Header().Get("Location"), "/items"))
			}

			rec = httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

// brokenMeter fails to create counters
type brokenMeter struct {
	metricnoop.Meter
}

func (brokenMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("counter " + name + " rejected")
}

func TestRouter_WithMetricsLogsFailure(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)

	router := NewRouter("/", "Item", WithLogger(logger), WithMetrics(brokenMeter{}))

	require.NotNil(t, router.metrics, "falls back to the default meter")
	assert.True(t, handler.ContainsMessage("route metrics unavailable, using defaults"))
	assert.True(t, handler.ContainsAttr("error", "counter cbv_route_requests_total rejected"))

	logger, handler = testutil.NewTestLogger(t)
	NewRouter("/", "Item", WithLogger(logger), WithMetrics(metricnoop.NewMeterProvider().Meter("test")))
	assert.Equal(t, 0, handler.CountMessage("route metrics unavailable, using defaults"))
}
