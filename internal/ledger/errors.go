package ledger

import "errors"

var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidRequest     = errors.New("invalid ledger request")
	ErrAccountNotFound    = errors.New("account not found")
	ErrStorage            = errors.New("ledger storage error")
)
