package orders

import "errors"

var (
	ErrEmptyItems       = errors.New("order has no items")
	ErrInvalidItem      = errors.New("order item is missing product, color, size or a positive qty")
	ErrOrderNotFound    = errors.New("order not found")
	ErrAlreadyCancelled = errors.New("order already cancelled")
	ErrAlreadyDelivered = errors.New("order already delivered")
	ErrNotAuthorized    = errors.New("not authorized for this order")
)
