// Package mongo stores the poison inbox in MongoDB. Add runs inside a
// multi-document transaction, which requires a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/source"
)

const (
	streamsCollection = "poison_streams"
	eventsCollection  = "poison_events"
)

type streamDoc struct {
	Stream          string    `bson:"_id"`
	Topic           string    `bson:"topic"`
	EventCount      int       `bson:"event_count"`
	FirstPoisonedAt time.Time `bson:"first_poisoned_at"`
	LastPoisonedAt  time.Time `bson:"last_poisoned_at"`
}

type eventDoc struct {
	ID            string            `bson:"_id"`
	Stream        string            `bson:"stream"`
	Topic         string            `bson:"topic"`
	Partition     int32             `bson:"partition"`
	Offset        int64             `bson:"offset"`
	Key           []byte            `bson:"key,omitempty"`
	Value         []byte            `bson:"value,omitempty"`
	Headers       map[string]string `bson:"headers,omitempty"`
	RecordTime    time.Time         `bson:"record_time,omitempty"`
	Reason        string            `bson:"reason"`
	FailureCount  int               `bson:"failure_count"`
	FirstFailedAt time.Time         `bson:"first_failed_at"`
	LastFailedAt  time.Time         `bson:"last_failed_at"`
	CorrelationID string            `bson:"correlation_id,omitempty"`
}

// Store implements inbox.Store on MongoDB.
type Store struct {
	client  *mongo.Client
	streams *mongo.Collection
	events  *mongo.Collection
	owned   bool
}

var _ inbox.Store = (*Store)(nil)

// New uses db from an existing client. Close does not disconnect it.
func New(client *mongo.Client, db *mongo.Database) *Store {
	return &Store{
		client:  client,
		streams: db.Collection(streamsCollection),
		events:  db.Collection(eventsCollection),
	}
}

// Connect dials uri, verifies the connection and uses database dbName.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := New(client, client.Database(dbName))
	s.owned = true
	return s, nil
}

// EnsureIndexes creates the position uniqueness and stream lookup indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "partition", Value: 1}, {Key: "offset", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "stream", Value: 1}, {Key: "partition", Value: 1}, {Key: "offset", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create poison event indexes: %w", err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, events []inbox.PoisonEvent) error {
	if err := inbox.Validate(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return inbox.StorageError(fmt.Errorf("start session: %w", err))
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for _, pe := range events {
			inserted, err := s.insertEvent(sc, pe)
			if err != nil {
				return nil, err
			}
			if !inserted {
				continue
			}
			_, err = s.streams.UpdateOne(sc,
				bson.M{"_id": pe.StreamKey()},
				bson.M{
					"$setOnInsert": bson.M{"topic": pe.Event.Topic},
					"$inc":         bson.M{"event_count": 1},
					"$min":         bson.M{"first_poisoned_at": pe.LastFailedAt},
					"$max":         bson.M{"last_poisoned_at": pe.LastFailedAt},
				},
				options.Update().SetUpsert(true),
			)
			if err != nil {
				return nil, fmt.Errorf("upsert poison stream: %w", err)
			}
		}
		return nil, nil
	}, txnOpts)
	if err != nil {
		return inbox.StorageError(err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, pe inbox.PoisonEvent) (bool, error) {
	// A duplicate key aborts the transaction, so look the position up first.
	err := s.events.FindOne(ctx, bson.M{
		"topic":     pe.Event.Topic,
		"partition": pe.Event.Partition,
		"offset":    pe.Event.Offset,
	}).Err()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, fmt.Errorf("find poison event: %w", err)
	}

	id := pe.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	doc := eventDoc{
		ID:            id.String(),
		Stream:        pe.StreamKey(),
		Topic:         pe.Event.Topic,
		Partition:     pe.Event.Partition,
		Offset:        pe.Event.Offset,
		Key:           pe.Event.Key,
		Value:         pe.Event.Value,
		Headers:       pe.Event.Headers,
		RecordTime:    pe.Event.Timestamp,
		Reason:        pe.Reason,
		FailureCount:  pe.FailureCount,
		FirstFailedAt: pe.FirstFailedAt,
		LastFailedAt:  pe.LastFailedAt,
		CorrelationID: pe.CorrelationID,
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return false, fmt.Errorf("insert poison event: %w", err)
	}
	return true, nil
}

func (s *Store) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	err := s.streams.FindOne(ctx, bson.M{"_id": evt.StreamKey()},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, inbox.StorageError(fmt.Errorf("find poison stream: %w", err))
	}
	return true, nil
}

func (s *Store) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	cur, err := s.streams.Find(ctx,
		bson.M{"_id": bson.M{"$in": inbox.StreamKeys(events)}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("find poison streams: %w", err))
	}
	defer cur.Close(ctx)

	poisoned := make(map[string]bool)
	for cur.Next(ctx) {
		var doc struct {
			Stream string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, inbox.StorageError(fmt.Errorf("decode poison stream: %w", err))
		}
		poisoned[doc.Stream] = true
	}
	if err := cur.Err(); err != nil {
		return nil, inbox.StorageError(err)
	}
	return inbox.Filter(events, poisoned), nil
}

func (s *Store) Streams(ctx context.Context) ([]inbox.StreamStatus, error) {
	cur, err := s.streams.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "first_poisoned_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("find poison streams: %w", err))
	}
	var docs []streamDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, inbox.StorageError(fmt.Errorf("decode poison streams: %w", err))
	}

	out := make([]inbox.StreamStatus, 0, len(docs))
	for _, d := range docs {
		out = append(out, inbox.StreamStatus{
			Stream:          d.Stream,
			Topic:           d.Topic,
			EventCount:      d.EventCount,
			FirstPoisonedAt: d.FirstPoisonedAt,
			LastPoisonedAt:  d.LastPoisonedAt,
		})
	}
	return out, nil
}

func (s *Store) Events(ctx context.Context, stream string) ([]inbox.PoisonEvent, error) {
	cur, err := s.events.Find(ctx, bson.M{"stream": stream},
		options.Find().SetSort(bson.D{{Key: "partition", Value: 1}, {Key: "offset", Value: 1}}))
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("find poison events: %w", err))
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, inbox.StorageError(fmt.Errorf("decode poison events: %w", err))
	}

	out := make([]inbox.PoisonEvent, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("parse poison event id %q: %w", d.ID, err)
		}
		out = append(out, inbox.PoisonEvent{
			ID: id,
			Event: source.Event{
				Topic:     d.Topic,
				Partition: d.Partition,
				Offset:    d.Offset,
				Key:       d.Key,
				Value:     d.Value,
				Headers:   d.Headers,
				Timestamp: d.RecordTime,
				Stream:    d.Stream,
			},
			Stream:        d.Stream,
			Reason:        d.Reason,
			FailureCount:  d.FailureCount,
			FirstFailedAt: d.FirstFailedAt,
			LastFailedAt:  d.LastFailedAt,
			CorrelationID: d.CorrelationID,
		})
	}
	return out, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return inbox.StorageError(err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}
