package chat

import "errors"

var (
	ErrRegistryFull   = errors.New("chat: registry is full")
	ErrAlreadyRunning = errors.New("chat: dispatcher already running")
	ErrNotRunning     = errors.New("chat: dispatcher not running")
	ErrInvalidOption  = errors.New("chat: invalid option")
	ErrRelayClosed    = errors.New("chat: relay channel closed unexpectedly")
	ErrNoListeners    = errors.New("chat: at least one listener is required")
)
