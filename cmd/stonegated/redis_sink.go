package main

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/stonegate-labs/stonegate-core/internal/config"
	"github.com/stonegate-labs/stonegate-core/internal/recorder"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/logging"
)

// redisSink mirrors every recorder sample line onto a Redis pub/sub channel
// named "stonegate:recording:<recording_id>", letting an external dashboard
// tail a live recording without reading the session's file from disk.
type redisSink struct {
	client *redis.Client
	logger logging.Logger
}

func newRedisSink(addr string, logger logging.Logger) *redisSink {
	return &redisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
	}
}

func (s *redisSink) Publish(ctx context.Context, recordingID string, line []byte) {
	if err := s.client.Publish(ctx, "stonegate:recording:"+recordingID, line).Err(); err != nil {
		s.logger.WarnCtx(ctx, "redis mirror publish failed", "recording_id", recordingID, "error", err)
	}
}

// recorderSink builds the optional recorder mirror sink from config, or nil
// when STONEGATE_REDIS_ADDR is unset (spec §6 external interfaces).
func recorderSink(cfg config.CoreConfig, logger logging.Logger) recorder.Sink {
	addr, ok := config.RedisAddr()
	if !ok {
		return nil
	}
	return newRedisSink(addr, logger)
}
