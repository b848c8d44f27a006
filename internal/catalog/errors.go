package catalog

import "fmt"

// InsufficientStockError is a terminal business outcome for the attempt, not
// a transient fault; callers must not retry it.
type InsufficientStockError struct {
	ProductID string
	Color     string
	Size      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s/%s/%s: requested %d, available %d",
		e.ProductID, e.Color, e.Size, e.Requested, e.Available)
}

// CellNotFoundError reports a (color, size) combination that does not exist
// on the product.
type CellNotFoundError struct {
	ProductID string
	Color     string
	Size      string
}

func (e *CellNotFoundError) Error() string {
	return fmt.Sprintf("no stock cell for %s/%s/%s", e.ProductID, e.Color, e.Size)
}
