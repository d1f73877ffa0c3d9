package warehouse

import "errors"

// Sentinel errors, dispatched with errors.Is/errors.As.
var (
	ErrMissingConfig   = errors.New("warehouse: missing configuration")
	ErrUnknownTable    = errors.New("warehouse: unknown table")
	ErrUnknownColumn   = errors.New("warehouse: unknown column")
	ErrUnknownOperator = errors.New("warehouse: unknown comparison operator")
	ErrEmptyRow        = errors.New("warehouse: row has no columns")
	ErrConnectionLost  = errors.New("warehouse: connection lost")
)
