package cbv

import (
	"errors"
	"fmt"

	apierrors "cbvkit/internal/errors"
)

// Registration failures. Every error returned by Method, API, WebSocket and
// RewriteConstructor is an *errors.AppError of type CONFIG wrapping one of these.
var (
	ErrInvalidMethodName = errors.New("handler name is not an HTTP method")
	ErrInvalidHandler    = errors.New("unsupported handler signature")
	ErrInvalidView       = errors.New("view must be a non-nil pointer to a struct")
	ErrInvalidTag        = errors.New("invalid cbv struct tag")
	ErrMissingRouter     = errors.New("router is required")
	ErrMissingPath       = errors.New("path must start with /")
	ErrMissingEndpoint   = errors.New("view does not embed WebSocketBase")
	ErrDuplicateParam    = errors.New("duplicate constructor parameter")
)

// Construction failures, wrapped in *errors.AppError of type DEPENDENCY.
var (
	ErrMissingArgument    = errors.New("missing required argument")
	ErrUnexpectedArgument = errors.New("unexpected keyword argument")
	ErrArgumentType       = errors.New("argument has the wrong type")
)

func configError(cause error, format string, args ...any) error {
	return apierrors.NewConfigError(fmt.Sprintf(format, args...), cause)
}

func constructError(cause error, format string, args ...any) error {
	return apierrors.NewDependencyError(fmt.Sprintf(format, args...), cause)
}
