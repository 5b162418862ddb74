package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbvkit/internal/shared/testutil"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNewErrorHandler(t *testing.T) {
	tests := []struct {
		name         string
		includeStack bool
	}{
		{"create handler with stack traces", true},
		{"create handler without stack traces", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testutil.NewTestLogger(t)

			handler := NewErrorHandler(logger, tt.includeStack)

			assert.NotNil(t, handler)
			assert.Equal(t, tt.includeStack, handler.includeStack)
			assert.NotNil(t, handler.logger)
		})
	}

	assert.NotNil(t, NewErrorHandler(nil, false).logger)
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantTitle  string
	}{
		{
			name:       "context deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
			wantTitle:  "Request Timeout",
		},
		{
			name:       "wrapped context canceled",
			err:        fmt.Errorf("handler: %w", context.Canceled),
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
			wantTitle:  "Request Timeout",
		},
		{
			name:       "invalid request",
			err:        ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantType:   TypeBadRequest,
			wantTitle:  "Bad Request",
		},
		{
			name:       "validation",
			err:        ErrValidation("email", "required"),
			wantStatus: http.StatusBadRequest,
			wantType:   TypeValidation,
			wantTitle:  "Bad Request",
		},
		{
			name:       "view not bound",
			err:        ErrViewNotBound,
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeViewNotBound,
			wantTitle:  "Internal Server Error",
		},
		{
			name:       "dependency",
			err:        DependencyError("users", fmt.Errorf("store offline")),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeDependency,
			wantTitle:  "Internal Server Error",
		},
		{
			name:       "binding app error",
			err:        NewBindingError("bad body", nil),
			wantStatus: http.StatusBadRequest,
			wantType:   TypeBadRequest,
			wantTitle:  "Bad Request",
		},
		{
			name:       "not found app error",
			err:        NewNotFoundError("user"),
			wantStatus: http.StatusNotFound,
			wantType:   TypeNotFound,
			wantTitle:  "Resource Not Found",
		},
		{
			name:       "dependency app error",
			err:        NewDependencyError("provider failed", nil),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeDependency,
			wantTitle:  "Dependency Failed",
		},
		{
			name:       "generic error",
			err:        fmt.Errorf("something went wrong"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantTitle:  "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logHandler := testutil.NewTestLogger(t)
			handler := NewErrorHandler(logger, false)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/test", nil)
			r = r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, "test-request-id"))

			handler.HandleError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeProblem(t, w)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, tt.wantTitle, body["title"])
			assert.Equal(t, "/test", body["instance"])
			assert.Equal(t, "test-request-id", body["trace_id"])
			assert.NotContains(t, body, "stack")

			assert.True(t, logHandler.ContainsMessage("request failed"))
			assert.True(t, logHandler.ContainsAttr("request_id", "test-request-id"))
		})
	}
}

func TestErrorHandler_HandleError_Nil(t *testing.T) {
	logger, logHandler := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Equal(t, 0, w.Body.Len())
	assert.Equal(t, 0, logHandler.Count())
}

func TestErrorHandler_HandleError_Stack(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, true)

	w := httptest.NewRecorder()
	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), ErrConflict)

	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, TypeConflict, body["type"])
	assert.Equal(t, "CONFLICT", body["error_code"])
	assert.Contains(t, body["stack"], "goroutine")
}

func TestErrorHandler_apiErrorToProblem(t *testing.T) {
	handler := NewErrorHandler(nil, false)
	r := httptest.NewRequest(http.MethodGet, "/users/1", nil)

	tests := []struct {
		err      *APIError
		wantType string
	}{
		{ErrInvalidRequest, TypeBadRequest},
		{ErrMissingParameter, TypeBadRequest},
		{ErrValidation("email", "required"), TypeValidation},
		{InvalidParameterError("limit", "not a number"), TypeBadRequest},
		{NotFoundError("user"), TypeNotFound},
		{ErrConflict, TypeConflict},
		{ErrUnsupportedMediaType, TypeUnsupportedMedia},
		{ErrRateLimitExceeded, TypeRateLimit},
		{ErrViewNotBound, TypeViewNotBound},
		{DependencyError("db", fmt.Errorf("dial timeout")), TypeDependency},
		{ErrWebSocketUpgrade, TypeWebSocketUpgrade},
		{New(http.StatusTeapot, "TEAPOT", "short and stout"), TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.ErrorCode, func(t *testing.T) {
			problem := handler.ErrorToProblem(tt.err, r)
			assert.Equal(t, tt.err.StatusCode, problem.Status)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, tt.err.Message, problem.Detail)
			assert.Equal(t, tt.err.ErrorCode, problem.Extensions["error_code"])
			if tt.err.Details != nil {
				assert.Equal(t, tt.err.Details, problem.Extensions["details"])
			}
		})
	}
}

func TestErrorHandler_NotFound(t *testing.T) {
	handler := NewErrorHandler(nil, false)
	w := httptest.NewRecorder()

	handler.NotFound(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, TypeNotFound, body["type"])
	assert.Equal(t, "/missing", body["instance"])
}

func TestErrorHandler_MethodNotAllowed(t *testing.T) {
	handler := NewErrorHandler(nil, false)
	w := httptest.NewRecorder()

	handler.MethodNotAllowed(w, httptest.NewRequest(http.MethodPatch, "/users", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, TypeMethodNotAllowed, body["type"])
	assert.Contains(t, body["detail"], "PATCH")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, logHandler := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, true)

	h := RecoveryMiddleware(handler)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, TypeInternal, body["type"])
	assert.Equal(t, "boom", body["panic"])
	assert.True(t, logHandler.ContainsMessage("panic recovered"))

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := RecoveryMiddleware(handler)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	problem := NewProblemDetails(http.StatusBadRequest, TypeBadRequest, "Bad Request", "", "/x").
		WithExtension("type", "ignored").
		WithExtension("field", "name")

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, TypeBadRequest, body["type"])
	assert.Equal(t, "name", body["field"])
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.NotContains(t, body, "detail")
}
