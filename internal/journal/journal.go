// Package journal keeps an append-only MongoDB log of published recorder
// status events.
package journal

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"meetcast/internal/recorder"
)

// Config selects the journal collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// StatusEvent is one journal document.
type StatusEvent struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	AttemptID   string             `bson:"attempt_id,omitempty" json:"attemptId,omitempty"`
	State       string             `bson:"state" json:"state"`
	IsRecording bool               `bson:"is_recording" json:"isRecording"`
	Reason      string             `bson:"reason,omitempty" json:"reason,omitempty"`
	TargetURL   string             `bson:"target_url,omitempty" json:"targetUrl,omitempty"`
	At          time.Time          `bson:"at" json:"at"`
}

// Journal writes status events to MongoDB.
type Journal struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    hclog.Logger
}

var _ recorder.StatusPublisher = (*Journal)(nil)

// New connects to MongoDB and prepares the collection.
func New(ctx context.Context, cfg Config, log hclog.Logger) (*Journal, error) {
	if cfg.URI == "" {
		return nil, errors.New("journal mongo uri is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "meetcast"
	}
	if cfg.Collection == "" {
		cfg.Collection = "recorder_status"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(cfg.URI).SetServerAPIOptions(serverAPI).SetTimeout(cfg.Timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}

	j := &Journal{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		log:    log,
	}
	if err := j.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("connected to MongoDB", "database", cfg.Database, "collection", cfg.Collection)
	return j, nil
}

func (j *Journal) ensureIndexes(ctx context.Context) error {
	_, err := j.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "attempt_id", Value: 1}, {Key: "at", Value: 1}}},
	})
	return errors.Wrap(err, "create journal indexes")
}

// PublishStatus appends st to the journal.
func (j *Journal) PublishStatus(ctx context.Context, st recorder.Status) error {
	event := StatusEvent{
		ID:          primitive.NewObjectID(),
		AttemptID:   st.AttemptID,
		State:       st.State.String(),
		IsRecording: st.IsRecording,
		Reason:      st.Reason,
		TargetURL:   st.TargetURL,
		At:          st.At.UTC(),
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if _, err := j.coll.InsertOne(ctx, event); err != nil {
		return errors.Wrap(err, "journal status event")
	}
	return nil
}

// Health pings the server.
func (j *Journal) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := j.client.Ping(ctx, readpref.Primary()); err != nil {
		j.log.Warn("MongoDB health check failed", "error", err)
		return map[string]string{
			"message": "Journal is unhealthy",
			"error":   err.Error(),
		}
	}
	return map[string]string{
		"message": "Journal is healthy",
		"status":  "connected",
	}
}

func (j *Journal) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return j.client.Disconnect(ctx)
}
