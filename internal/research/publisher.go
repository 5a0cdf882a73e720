package research

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/engine"
)

const publishTimeout = 2 * time.Second

// Publisher forwards node lifecycle events to per-run redis streams so
// clients can follow a run in flight. Delivery is fire-and-forget: a slow or
// unreachable redis never blocks or fails the run.
type Publisher struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
	logger *log.Logger
}

// NewPublisher creates a run stream publisher. Returns nil when rdb or the
// stream prefix is missing; a nil Publisher drops all events.
func NewPublisher(rdb *redis.Client, prefix string) *Publisher {
	if rdb == nil || prefix == "" {
		return nil
	}
	return &Publisher{
		rdb:    rdb,
		prefix: prefix,
		maxLen: 1024,
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// StreamKey returns the stream a run's events are published to.
func (p *Publisher) StreamKey(runID string) string {
	return p.prefix + ":" + runID
}

// Publish appends one event to the run's stream, trimming it to a bounded
// length. Failures are logged and dropped.
func (p *Publisher) Publish(ctx context.Context, runID string, ev engine.Event) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	values := map[string]interface{}{
		"run_id": runID,
		"node":   ev.Node,
		"kind":   string(ev.Kind),
	}
	if len(ev.Log) > 0 {
		values["log"] = strings.Join(ev.Log, "\n")
	}
	if ev.Err != nil {
		values["error"] = ev.Err.Error()
	}

	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.StreamKey(runID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		p.logger.Printf("publish %s/%s: %v", runID, ev.Kind, err)
	}
}
