package models

import "fmt"

// Status is the job lifecycle state. Transitions only move forward:
//
//	searching -> claimed -> completed
//
// completed is terminal.
type Status string

const (
	StatusSearching Status = "searching"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
)

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusClaimed, StatusCompleted:
		return true
	}
	return false
}

// Next returns the single legal successor of s.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusSearching:
		return StatusClaimed, true
	case StatusClaimed:
		return StatusCompleted, true
	}
	return "", false
}

// CanTransitionTo reports whether to is the legal successor of s.
func (s Status) CanTransitionTo(to Status) bool {
	next, ok := s.Next()
	return ok && next == to
}

func (s Status) rank() int {
	switch s {
	case StatusSearching:
		return 1
	case StatusClaimed:
		return 2
	case StatusCompleted:
		return 3
	}
	return 0
}

// AtLeast reports whether s is at or past other in the lifecycle.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank()
}

func (s Status) String() string { return string(s) }
