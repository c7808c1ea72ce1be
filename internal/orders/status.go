package orders

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// CanTransition reports whether from may move to to. Staying in the same status is not a transition.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// ParseStatus accepts only the known statuses, exactly as spelled.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validNext[st]; !ok {
		return "", &ValidationError{Problems: map[string]string{
			"status": fmt.Sprintf("unknown status %q", s),
		}}
	}
	return st, nil
}

func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

func (s Status) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}

func (s Status) String() string { return string(s) }
