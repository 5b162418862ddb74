package views

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "cbvkit/internal/errors"
	"cbvkit/internal/shared/testutil"
	"cbvkit/pkg/cbv"
)

func newTestMux(t *testing.T) (*chi.Mux, *UserStore) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	store := NewUserStore()
	injector := NewInjector(store, logger)

	httpRouters, wsRouters, err := Routers(cbv.WithInjector(injector), cbv.WithLogger(logger))
	require.NoError(t, err)

	mux := chi.NewRouter()
	for _, r := range append(httpRouters, wsRouters...) {
		r.Mount(mux)
	}
	return mux, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUserViews_CRUD(t *testing.T) {
	mux, store := newTestMux(t)

	rec := do(t, mux, http.MethodPost, "/users", `{"name":"Ada","email":"ada@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, "Ada", created.Name)
	assert.Equal(t, 1, store.Count())

	path := "/users/" + created.ID.String()

	rec = do(t, mux, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)

	rec = do(t, mux, http.MethodPut, path, `{"name":"Ada Lovelace"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Ada Lovelace", updated.Name)
	assert.Equal(t, "ada@example.com", updated.Email)

	rec = do(t, mux, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, store.Count())

	rec = do(t, mux, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), apierrors.TypeNotFound)
}

func TestUserViews_Errors(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusCreated, do(t, mux, http.MethodPost, "/users", `{"name":"Ada","email":"ada@example.com"}`).Code)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "duplicate email", method: http.MethodPost, path: "/users", body: `{"name":"Other","email":"ADA@example.com"}`, wantStatus: http.StatusConflict},
		{name: "invalid email", method: http.MethodPost, path: "/users", body: `{"name":"Bob","email":"bob"}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "missing name", method: http.MethodPost, path: "/users", body: `{"email":"bob@example.com"}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "malformed body", method: http.MethodPost, path: "/users", body: `{"name":`, wantStatus: http.StatusBadRequest},
		{name: "invalid id", method: http.MethodGet, path: "/users/not-a-uuid", wantStatus: http.StatusBadRequest},
		{name: "unknown id", method: http.MethodDelete, path: "/users/" + uuid.NewString(), wantStatus: http.StatusNotFound},
		{name: "limit out of range", method: http.MethodGet, path: "/users?limit=1000", wantStatus: http.StatusUnprocessableEntity},
		{name: "method not allowed", method: http.MethodPatch, path: "/users", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestUserViews_ListPaging(t *testing.T) {
	mux, store := newTestMux(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	store.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}

	for _, name := range []string{"Ann", "Ben", "Cal"} {
		_, err := store.Create(context.Background(), name, strings.ToLower(name)+"@example.com")
		require.NoError(t, err)
	}

	rec := do(t, mux, http.MethodGet, "/users?offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page UserPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.Limit)
	require.Len(t, page.Users, 1)
	assert.Equal(t, "Ben", page.Users[0].Name)

	rec = do(t, mux, http.MethodGet, "/users?email=cal@example.com", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 20, page.Limit, "page_size default from the view prototype")

	rec = do(t, mux, http.MethodGet, "/users?offset=10", "")
	assert.JSONEq(t, `{"users":[],"total":3,"offset":10,"limit":20}`, rec.Body.String())
}

func TestUserRouters_Metadata(t *testing.T) {
	routers, err := NewUserRouters()
	require.NoError(t, err)
	require.Len(t, routers, 2)

	var ids []string
	for _, r := range routers {
		for _, route := range r.Routes() {
			assert.True(t, route.Linked(), route.OperationID)
			ids = append(ids, route.OperationID)
		}
	}
	assert.Equal(t, []string{
		"User_users_get",
		"User_users_post",
		"User_users/{id}_get",
		"User_users/{id}_put",
		"User_users/{id}_delete",
	}, ids)
}

func TestEchoView(t *testing.T) {
	mux, _ := newTestMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Message text was: hi", string(data))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestEchoView_Mock(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	conn := cbv.NewMockConnection()
	conn.AddReadMessage(websocket.TextMessage, []byte("one"), nil)
	conn.AddReadMessage(websocket.TextMessage, []byte("two"), nil)
	conn.AddCloseFrame(websocket.CloseGoingAway)

	v := &EchoView{Prefix: "> ", Logger: logger}
	v.Encoding = cbv.EncodingText
	v.Attach(conn)

	require.NoError(t, cbv.Serve(context.Background(), v))

	written := conn.GetWrittenMessages()
	require.Len(t, written, 2)
	assert.Equal(t, "> one", string(written[0].Data))
	assert.Equal(t, "> two", string(written[1].Data))
	assert.True(t, logs.ContainsAttr("messages", int64(2)))
	assert.True(t, logs.ContainsAttr("close_code", int64(websocket.CloseGoingAway)))
}
