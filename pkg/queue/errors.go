package queue

import "errors"

// Queue errors.
var (
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrInvalidJob      = errors.New("invalid job")
	ErrMessageNotFound = errors.New("message not found")
	ErrQueueClosed     = errors.New("queue is closed")
)
