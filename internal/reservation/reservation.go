// Package reservation is the domain record upserted from validated
// spreadsheet rows (spec.md §3: Reservation, invariant I4).
package reservation

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Status is one of PENDING, CANCELED, COMPLETED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCanceled  Status = "CANCELED"
	StatusCompleted Status = "COMPLETED"
)

// ValidStatuses is used by the row validator (internal/task) to
// reject unknown status values.
var ValidStatuses = map[Status]bool{
	StatusPending:   true,
	StatusCanceled:  true,
	StatusCompleted: true,
}

// Reservation is the domain record upserted from rows, keyed by
// ReservationID (spec.md §3).
type Reservation struct {
	ReservationID string    `bson:"reservationId" json:"reservationId"`
	GuestName     string    `bson:"guestName" json:"guestName"`
	Status        Status    `bson:"status" json:"status"`
	CheckInDate   string    `bson:"checkInDate" json:"checkInDate"`   // YYYY-MM-DD
	CheckOutDate  string    `bson:"checkOutDate" json:"checkOutDate"` // YYYY-MM-DD
	UpdatedAt     time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Store wraps the reservations collection's upsert operation.
type Store struct {
	Collection *mongo.Collection
}

// New wraps an existing collection handle (shared with the rest of
// the document store; see internal/store.Store.Reservations).
func New(coll *mongo.Collection) *Store {
	return &Store{Collection: coll}
}

// Upsert creates or updates a Reservation by ReservationID within the
// given session context (never deletes — spec.md §3 lifecycle note).
func (s *Store) Upsert(ctx context.Context, sessCtx mongo.SessionContext, r Reservation, now time.Time) error {
	r.UpdatedAt = now
	_, err := s.Collection.UpdateOne(sessCtx,
		bson.M{"reservationId": r.ReservationID},
		bson.M{"$set": bson.M{
			"guestName":    r.GuestName,
			"status":       r.Status,
			"checkInDate":  r.CheckInDate,
			"checkOutDate": r.CheckOutDate,
			"updatedAt":    now,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

// CountAll is a test/observability helper.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	return s.Collection.CountDocuments(ctx, bson.M{})
}
