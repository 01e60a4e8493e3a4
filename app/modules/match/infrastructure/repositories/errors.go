package matchdb

import "errors"

var (
	ErrMatchNotFound = errors.New("match not found")
	ErrLegNotFound   = errors.New("leg not found")
	ErrTurnNotFound  = errors.New("turn not found")
	ErrThrowNotFound = errors.New("throw not found")
)
