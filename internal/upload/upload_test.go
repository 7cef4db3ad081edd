package upload

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func closedSession() logic.Session {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Minute)
	return logic.Session{
		ID:          "0b6f4a4e-3c1d-4c55-9f0c-6d2e8a1f7b21",
		StructureID: "bridge-7",
		Technician:  "alex",
		StartedAt:   started,
		EndedAt:     &ended,
	}
}

func TestUploadAppendsStreamEntry(t *testing.T) {
	_, client := setupTestRedis(t)
	u := NewRedisStream(client, "", zap.NewNop())

	require.NoError(t, u.Upload(context.Background(), closedSession(), 12))

	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	v := entries[0].Values
	assert.Equal(t, "0b6f4a4e-3c1d-4c55-9f0c-6d2e8a1f7b21", v["session_id"])
	assert.Equal(t, "bridge-7", v["structure_id"])
	assert.Equal(t, "alex", v["technician"])
	assert.Equal(t, "12", v["results"])
	assert.Equal(t, "2026-03-02T09:00:00Z", v["started_at"])
	assert.Equal(t, "2026-03-02T10:30:00Z", v["ended_at"])
}

func TestUploadCustomStream(t *testing.T) {
	_, client := setupTestRedis(t)
	u := NewRedisStream(client, "bridge:uploads", nil)

	require.NoError(t, u.Upload(context.Background(), closedSession(), 1))
	require.NoError(t, u.Upload(context.Background(), closedSession(), 2))

	n, err := client.XLen(context.Background(), "bridge:uploads").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUploadRejectsOpenSession(t *testing.T) {
	_, client := setupTestRedis(t)
	u := NewRedisStream(client, "", nil)

	sess := closedSession()
	sess.EndedAt = nil
	err := u.Upload(context.Background(), sess, 3)
	assert.ErrorIs(t, err, ErrSessionOpen)

	n, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUploadRedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	u := NewRedisStream(client, "", nil)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, u.Upload(ctx, closedSession(), 1))
}

func TestFieldsOmitEndForOpenSession(t *testing.T) {
	sess := closedSession()
	sess.EndedAt = nil

	fields := Fields(sess, 0)
	_, ok := fields["ended_at"]
	assert.False(t, ok)
	assert.Equal(t, "0", fields["results"])
}
