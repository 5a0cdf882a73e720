package server

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

// Scheduler fires topic runs on their cron schedules. Topics without a
// schedule never fire. A short Redis lock keeps replicas from double-firing
// the same topic inside one tick window.
type Scheduler struct {
	Store    *store.Store
	Research Researcher
	Rdb      *redis.Client
	Stop     chan struct{}
	Interval time.Duration // tick cadence, defaults to one hour
	Timeout  time.Duration // per-run budget, defaults to fifteen minutes
}

func (s *Scheduler) Start() {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	topics, err := s.Store.ListAllTopics(ctx)
	if err != nil {
		s.logf("list topics: %v", err)
		return
	}
	now := time.Now()
	for _, t := range topics {
		if strings.TrimSpace(t.ScheduleCron) == "" {
			continue
		}
		last, err := s.Store.LatestRunTime(ctx, t.ID)
		if err != nil {
			s.logf("topic %s: latest run time: %v", t.ID, err)
			continue
		}
		if !isDue(t.ScheduleCron, last, now) {
			continue
		}

		// distributed lock to avoid duplicate runs; the TTL covers the
		// window, no explicit release
		if s.Rdb != nil {
			ok, err := s.Rdb.SetNX(ctx, "sched:lock:"+t.ID, "1", 2*time.Minute).Result()
			if err != nil {
				s.logf("topic %s: lock: %v", t.ID, err)
				continue
			}
			if !ok {
				continue
			}
		}

		runID, err := s.Store.CreateRun(ctx, t.ID, store.RunStatusQueued)
		if err != nil {
			s.logf("topic %s: create run: %v", t.ID, err)
			continue
		}
		s.logf("topic %s due (%s), firing run %s", t.ID, t.ScheduleCron, runID)
		go s.fire(t.ID, runID)
	}
}

// fire executes one scheduled run. The jitter spreads simultaneous replica
// wakeups so the providers are not hit in lockstep.
func (s *Scheduler) fire(topicID, runID string) {
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)
	budget := s.Timeout
	if budget <= 0 {
		budget = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := processRun(ctx, s.Store, s.Research, topicID, runID); err != nil {
		s.logf("run %s failed: %v", runID, err)
		_ = s.Store.FinishRun(ctx, runID, store.RunStatusFailed, strPtr(err.Error()))
	}
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	log.Printf("[SCHED] "+format, args...)
}

// isDue determines whether a topic with cronSpec should run now given its
// last run time. Supports "@daily", "@hourly" and standard 5-field cron
// expressions; an unparseable spec falls back to @daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return now.Sub(*last) >= 24*time.Hour
	}
	next := expr.Next(*last)
	return !next.After(now)
}

// validateSchedule accepts the schedule forms isDue understands.
func validateSchedule(spec string) error {
	switch spec {
	case "@daily", "@hourly":
		return nil
	}
	_, err := cronexpr.Parse(spec)
	return err
}
