package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrMalformedTick   = errors.New("malformed tick")
	ErrOutOfOrderTick  = errors.New("out-of-order tick")
	ErrNoPosition      = errors.New("no open position")
	ErrPositionExists  = errors.New("position already open")
	ErrUnknownTrade    = errors.New("unknown trade id")
	ErrStateCorruption = errors.New("corrupted instrument state")
	ErrLockHeld        = errors.New("lock already held")
	ErrReplayActive    = errors.New("replay already active")
	ErrReplayInactive  = errors.New("replay not running")
	ErrWSDisconnect    = errors.New("websocket disconnected")
)
