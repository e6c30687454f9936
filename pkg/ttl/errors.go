package ttl

import "errors"

var (
	ErrEmptyKey        = errors.New("ttl: empty key")
	ErrNilBatch        = errors.New("ttl: nil batch")
	ErrClosed          = errors.New("ttl: db closed")
	ErrStopped         = errors.New("ttl: sweeper stopped")
	ErrSweepInProgress = errors.New("ttl: sweep already in progress")
)
