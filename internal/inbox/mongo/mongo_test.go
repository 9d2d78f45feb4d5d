//go:build integration

package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/inbox/inboxtest"
)

func testURI(t *testing.T) string {
	uri := os.Getenv("EVENTSUB_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("EVENTSUB_TEST_MONGO_URI not set, skipping mongo integration tests")
	}
	return uri
}

func TestStore_Contract(t *testing.T) {
	uri := testURI(t)

	inboxtest.Run(t, func(t *testing.T) inbox.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := Connect(ctx, uri, "eventsub_test")
		require.NoError(t, err)
		_, err = s.events.DeleteMany(ctx, bson.M{})
		require.NoError(t, err)
		_, err = s.streams.DeleteMany(ctx, bson.M{})
		require.NoError(t, err)
		require.NoError(t, s.EnsureIndexes(ctx))

		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	})
}

func TestStore_Ping(t *testing.T) {
	ctx := context.Background()
	s, err := Connect(ctx, testURI(t), "eventsub_test")
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Ping(ctx))
}
