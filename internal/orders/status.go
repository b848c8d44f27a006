package orders

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// DELIVERED and CANCELLED are mutually exclusive terminal states; neither
// permits further stock-affecting transitions.
var validNext = map[Status]map[Status]bool{
	StatusCreated:   {StatusPaid: true, StatusShipped: true, StatusDelivered: true, StatusCancelled: true},
	StatusPaid:      {StatusShipped: true, StatusDelivered: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
