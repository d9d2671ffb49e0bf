package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Stop is one address on a delivery route. Location is filled by the
// geocoding collaborator and may be absent.
type Stop struct {
	Address  string `json:"address"`
	Details  string `json:"details,omitempty"`
	Location *Coord `json:"location,omitempty"`
}

// Job is a delivery request. Price and Stops never change after creation;
// DriverID is set once on claim.
type Job struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	Stops       []Stop     `json:"stops"`
	Price       Money      `json:"price"`
	Status      Status     `json:"status"`
	DriverID    string     `json:"driver_id,omitempty"`
	DriverName  string     `json:"driver_name,omitempty"`
	ProofRef    string     `json:"proof_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// Clone returns a deep copy so callers can never alias stored state.
func (j Job) Clone() Job {
	out := j
	if j.Stops != nil {
		out.Stops = make([]Stop, len(j.Stops))
		for i, s := range j.Stops {
			out.Stops[i] = s
			if s.Location != nil {
				loc := *s.Location
				out.Stops[i].Location = &loc
			}
		}
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		out.ClaimedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Active reports whether the job still counts towards open orders.
func (j Job) Active() bool {
	return j.Status == StatusSearching || j.Status == StatusClaimed
}

type JobEventType string

const (
	JobCreated      JobEventType = "created"
	JobTransitioned JobEventType = "transitioned"
	JobSnapshot     JobEventType = "snapshot"
)

// JobEvent is published on every committed change. From is empty for
// creations and snapshots.
type JobEvent struct {
	Type JobEventType `json:"type"`
	Job  Job          `json:"job"`
	From Status       `json:"from,omitempty"`
}

type ApprovalState string

const (
	ApprovalPending ApprovalState = "pending_approval"
	ApprovalActive  ApprovalState = "active"
)

// ParseApproval accepts the wire form of an approval state.
func ParseApproval(v string) (ApprovalState, error) {
	switch a := ApprovalState(v); a {
	case ApprovalPending, ApprovalActive:
		return a, nil
	}
	return "", fmt.Errorf("unknown approval state %q", v)
}

// Driver is a courier known to dispatch. LicenseRef is an opaque reference to
// an uploaded license image; an operator can only approve a driver that has one.
type Driver struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Approval     ApprovalState `json:"approval"`
	LicenseRef   string        `json:"license_ref,omitempty"`
	RegisteredAt time.Time     `json:"registered_at"`
	ApprovedAt   *time.Time    `json:"approved_at,omitempty"`
}

type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (l DriverLocation) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }

type Role string

const (
	RoleDriver   Role = "driver"
	RoleDealer   Role = "dealer"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDriver, RoleDealer, RoleOperator:
		return true
	}
	return false
}

// Message is one chat line. Seq is assigned by the relay and orders messages
// within a job; SentAt is informational only.
type Message struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	SenderID   string    `json:"sender_id"`
	SenderRole Role      `json:"sender_role"`
	Text       string    `json:"text"`
	Seq        uint64    `json:"seq"`
	SentAt     time.Time `json:"sent_at"`
}

type StatsSnapshot struct {
	ActiveOrders      int64 `json:"active_orders"`
	CumulativeRevenue Money `json:"cumulative_revenue"`
}
