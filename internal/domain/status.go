package domain

import "fmt"

// Status is the lifecycle state of a Transfer. The only values are
// StatusPending, StatusCompleted and StatusFailed; the zero value is invalid.
type Status struct {
	slug string
}

var (
	StatusPending   = Status{"pending"}
	StatusCompleted = Status{"completed"}
	StatusFailed    = Status{"failed"}
)

// ParseStatus maps a persisted or wire value onto a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case StatusPending.slug:
		return StatusPending, nil
	case StatusCompleted.slug:
		return StatusCompleted, nil
	case StatusFailed.slug:
		return StatusFailed, nil
	}
	return Status{}, fmt.Errorf("unknown transfer status %q", s)
}

func (s Status) String() string {
	return s.slug
}

// IsZero reports whether s was never assigned.
func (s Status) IsZero() bool {
	return s.slug == ""
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("cannot marshal unset transfer status")
	}
	return []byte(s.slug), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
