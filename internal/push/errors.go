package push

import "errors"

var (
	// ErrAlreadyOpen is returned by Open on a channel that is not disconnected.
	ErrAlreadyOpen = errors.New("push channel already open")

	// ErrInvalidConfig is returned by NewChannel for unusable settings.
	ErrInvalidConfig = errors.New("invalid push channel config")
)
