package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meetcast/internal/recorder"
)

// mongoURI returns JOURNAL_TEST_MONGO_URI when set, otherwise starts a
// throwaway MongoDB container.
func mongoURI(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	if uri := os.Getenv("JOURNAL_TEST_MONGO_URI"); uri != "" {
		return uri
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate mongo container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func TestNew_RequiresURI(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestJournal_PublishStatus(t *testing.T) {
	uri := mongoURI(t)
	ctx := context.Background()

	j, err := New(ctx, Config{URI: uri, Database: "test_meetcast_journal", Collection: "status"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		j.coll.Database().Drop(context.Background())
		j.Close()
	})

	assert.Equal(t, "Journal is healthy", j.Health(ctx)["message"])

	at := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	events := []recorder.Status{
		{IsRecording: true, State: recorder.StateRecording, AttemptID: "a1", Reason: "acquired", TargetURL: "https://x", At: at},
		{IsRecording: true, State: recorder.StateRecording, AttemptID: "a1", Reason: "ready", At: at.Add(3 * time.Second)},
		{IsRecording: false, State: recorder.StateIdle, AttemptID: "", Reason: "stop", At: at.Add(time.Minute)},
	}
	for _, st := range events {
		require.NoError(t, j.PublishStatus(ctx, st))
	}

	count, err := j.coll.CountDocuments(ctx, bson.M{"attempt_id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var latest StatusEvent
	err = j.coll.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "at", Value: -1}})).Decode(&latest)
	require.NoError(t, err)
	assert.Equal(t, "idle", latest.State)
	assert.False(t, latest.IsRecording)
	assert.Equal(t, "stop", latest.Reason)
	assert.True(t, latest.At.Equal(at.Add(time.Minute)))
}

func TestJournal_HealthAfterClose(t *testing.T) {
	uri := mongoURI(t)

	j, err := New(context.Background(), Config{URI: uri, Database: "test_meetcast_journal_close"}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	stats := j.Health(context.Background())
	assert.Equal(t, "Journal is unhealthy", stats["message"])
	assert.NotEmpty(t, stats["error"])
}
