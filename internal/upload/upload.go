// Package upload hands closed scan sessions to the upload pipeline through a
// Redis stream.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// DefaultStream is the stream consumed by the upload worker.
const DefaultStream = "scan:uploads"

// ErrSessionOpen is returned for sessions without an end time.
var ErrSessionOpen = errors.New("upload: session is still open")

// RedisStream appends one entry per closed session to a Redis stream.
type RedisStream struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisStream creates an uploader writing to stream.
func NewRedisStream(client *redis.Client, stream string, logger *zap.Logger) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStream{client: client, stream: stream, logger: logger}
}

// Fields returns the stream entry for a closed session.
func Fields(session logic.Session, results int) map[string]interface{} {
	fields := map[string]interface{}{
		"session_id":   session.ID,
		"structure_id": session.StructureID,
		"technician":   session.Technician,
		"started_at":   session.StartedAt.UTC().Format(time.RFC3339),
		"results":      strconv.Itoa(results),
	}
	if session.EndedAt != nil {
		fields["ended_at"] = session.EndedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

// Upload appends the session to the stream and returns once Redis has
// accepted it.
func (u *RedisStream) Upload(ctx context.Context, session logic.Session, results int) error {
	if session.Open() {
		return ErrSessionOpen
	}

	id, err := u.client.XAdd(ctx, &redis.XAddArgs{
		Stream: u.stream,
		Values: Fields(session, results),
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", u.stream, err)
	}

	u.logger.Info("session handed off for upload",
		zap.String("session_id", session.ID),
		zap.String("stream", u.stream),
		zap.String("entry_id", id),
		zap.Int("results", results),
	)
	return nil
}
