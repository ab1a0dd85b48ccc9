package jobs

import "errors"

var (
	ErrUnknownProduct     = errors.New("unknown product")
	ErrNotCancelable      = errors.New("product does not support cancellation")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrJobNotFound        = errors.New("job not found")
	ErrRunnerUnavailable  = errors.New("job runner unavailable")
	ErrStorage            = errors.New("storage error")
)
