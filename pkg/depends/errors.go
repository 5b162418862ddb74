package depends

import "errors"

var (
	// ErrInvalidProvider is the cause of every provider shape error
	ErrInvalidProvider = errors.New("invalid dependency provider")
	// ErrUnknownProvider is returned when a Ref names no registered provider
	ErrUnknownProvider = errors.New("unknown dependency provider")
	// ErrCycle is returned when a provider transitively depends on itself
	ErrCycle = errors.New("dependency cycle")
)
