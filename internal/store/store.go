// Package store persists suspicious-activity events and reads student
// records. The signaling core consumes the interfaces; production wiring
// uses Postgres.
package store

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("not found")

// ActivityKind is the discrete classification emitted by the frame
// analysis pipeline. Values match the strings persisted by the platform.
type ActivityKind string

const (
	ActivityNoFace        ActivityKind = "No face"
	ActivityMultipleFaces ActivityKind = "Multiple faces"
	ActivityLookingAway   ActivityKind = "Looking away"
)

// Activity is one persisted suspicious-activity event. Immutable once
// written.
type Activity struct {
	ID        int64        `json:"id"`
	UserID    int64        `json:"userId"`
	Kind      ActivityKind `json:"activity"`
	Timestamp time.Time    `json:"timestamp"`
}

// ActivityStore is the suspicious-activity sink.
type ActivityStore interface {
	// Append persists one event and returns it with its assigned id.
	Append(ctx context.Context, userID int64, kind ActivityKind, ts time.Time) (Activity, error)

	// List returns all events for userID, newest first.
	List(ctx context.Context, userID int64) ([]Activity, error)
}

// Student is a monitored user record, read-only for this service.
type Student struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
}

// Directory reads student records.
type Directory interface {
	Students(ctx context.Context) ([]Student, error)
	StudentByID(ctx context.Context, id int64) (Student, error)
}

// UserIDFromStudentID maps a signaling studentId to the numeric user id
// used by the activity table. Numeric ids pass through; anything else is
// hashed so non-numeric test identities still persist consistently.
func UserIDFromStudentID(studentID string) int64 {
	if n, err := strconv.ParseInt(studentID, 10, 64); err == nil && n >= 0 {
		return n
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(studentID))
	return int64(h.Sum32())
}
