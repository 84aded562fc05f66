// Package store is the durable, transactional document store (C1):
// Task, Event and (via internal/reservation) Reservation collections,
// backed by MongoDB multi-document transactions. The atomic
// update-one/update-many primitives here are the mutual-exclusion
// mechanism for every claim protocol in the system (spec.md §3, §5
// "Shared-resource policy").
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Store holds the Mongo client and the three collections the core
// touches.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	Tasks        *mongo.Collection
	Events       *mongo.Collection
	Reservations *mongo.Collection
}

// Connect dials Mongo and ensures the indexes named in spec.md §6:
// events indexed on processingAt and status; reservations unique on
// reservationId and compound-indexed on (checkInDate, checkOutDate).
func Connect(ctx context.Context, url, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:       client,
		db:           db,
		Tasks:        db.Collection("tasks"),
		Events:       db.Collection("events"),
		Reservations: db.Collection("reservations"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.Events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"status": 1}},
		{Keys: map[string]int{"processingAt": 1}},
		{Keys: map[string]int{"status": 1, "createdAt": 1}},
	})
	if err != nil {
		return fmt.Errorf("store: event indexes: %w", err)
	}

	_, err = s.Reservations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"reservationId": 1}, Options: options.Index().SetUnique(true)},
		{Keys: map[string]int{"checkInDate": 1, "checkOutDate": 1}},
	})
	if err != nil {
		return fmt.Errorf("store: reservation indexes: %w", err)
	}
	return nil
}

// Close disconnects the client. Called last by the lifecycle
// supervisor, after the bus and cache are closed.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies connectivity, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// sessionOpts is the majority read/write concern session used for
// step 2 of the processor's per-message algorithm (spec.md §4.3).
var sessionOpts = options.Session().SetDefaultReadConcern(readconcern.Majority()).
	SetDefaultWriteConcern(writeconcern.Majority())

// WithTransaction runs fn inside a Mongo multi-document transaction
// with majority read/write concern, committing on success and
// aborting (via the driver's automatic rollback) on any returned
// error. Used by the upload assembler's Task+Event commit, the
// dispatcher's per-event publish-then-mark transaction, and the
// processor's reservation upserts and Task+Event finalization (its
// Task claim runs outside a transaction).
func (s *Store) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	sess, err := s.client.StartSession(sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("store: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	return sess.WithTransaction(ctx, fn)
}

// IsWriteConflict reports whether err is a Mongo transient
// transaction / write-conflict error, the condition spec.md §4.3
// classifies as retryable (routed to the DLQ delay path rather than
// dropped).
func IsWriteConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") ||
			cmdErr.HasErrorLabel("UnknownTransactionCommitResult")
	}
	var writeException mongo.WriteException
	if errors.As(err, &writeException) {
		for _, we := range writeException.WriteErrors {
			if we.Code == 112 { // WriteConflict
				return true
			}
		}
	}
	return false
}
