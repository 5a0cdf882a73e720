package server

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	at := func(ts time.Time) *time.Time { return &ts }

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"never ran", "@daily", nil, true},
		{"daily elapsed", "@daily", at(now.Add(-25 * time.Hour)), true},
		{"daily too soon", "@daily", at(now.Add(-time.Hour)), false},
		{"hourly elapsed", "@hourly", at(now.Add(-2 * time.Hour)), true},
		{"hourly too soon", "@hourly", at(now.Add(-30 * time.Minute)), false},
		{"cron fired window passed", "0 8 * * *", at(time.Date(2025, 6, 9, 7, 0, 0, 0, time.UTC)), true},
		{"cron next still ahead", "0 8 * * *", at(time.Date(2025, 6, 10, 8, 30, 0, 0, time.UTC)), false},
		{"bad spec falls back daily", "not a cron", at(now.Add(-25 * time.Hour)), true},
		{"bad spec too soon", "not a cron", at(now.Add(-time.Hour)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last, now); got != tc.want {
				t.Fatalf("isDue(%q) = %v, want %v", tc.spec, got, tc.want)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@daily", "@hourly", "0 8 * * *", "*/15 * * * *"} {
		if err := validateSchedule(spec); err != nil {
			t.Fatalf("validateSchedule(%q): %v", spec, err)
		}
	}
	for _, spec := range []string{"every tuesday", "61 * * * *"} {
		if err := validateSchedule(spec); err == nil {
			t.Fatalf("validateSchedule(%q): expected error", spec)
		}
	}
}

func TestTickSkipsUnscheduledTopics(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, schedule_cron, created_at FROM topics`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "schedule_cron", "created_at"}).
			AddRow("topic-1", "user-456", "AI", "", time.Now()))

	s := &Scheduler{Store: &store.Store{DB: db}, Research: &stubResearcher{}}
	s.tick(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	if err := mr.Set("sched:lock:topic-1", "1"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, schedule_cron, created_at FROM topics`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "schedule_cron", "created_at"}).
			AddRow("topic-1", "user-456", "AI", "@daily", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(COALESCE(finished_at, started_at)) FROM runs WHERE topic_id=$1`)).
		WithArgs("topic-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	s := &Scheduler{Store: &store.Store{DB: db}, Research: &stubResearcher{}, Rdb: rdb}
	s.tick(context.Background())

	// another replica holds the lock, no run row is created
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTickFiresDueTopic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	last := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, schedule_cron, created_at FROM topics`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "schedule_cron", "created_at"}).
			AddRow("topic-1", "user-456", "AI", "@hourly", time.Now().Add(-48*time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(COALESCE(finished_at, started_at)) FROM runs WHERE topic_id=$1`)).
		WithArgs("topic-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(last))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO runs (topic_id, status) VALUES ($1,$2) RETURNING id`)).
		WithArgs("topic-1", store.RunStatusQueued).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-5"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name, request FROM topics WHERE id=$1`)).
		WithArgs("topic-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "request"}).AddRow("AI", []byte(`{"topic":"AI"}`)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status=$2 WHERE id=$1`)).
		WithArgs("run-5", store.RunStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_results").
		WithArgs("run-5", "# Report", "", "Simple RAG", []byte(`[]`), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`)).
		WithArgs(store.RunStatusSucceeded, nil, "run-5").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stub := &stubResearcher{resp: research.Response{FinalReport: "# Report", ExecutionPath: "Simple RAG"}}
	s := &Scheduler{Store: &store.Store{DB: db}, Research: stub, Timeout: time.Minute}
	s.tick(context.Background())

	// the fired run finishes on its own goroutine after start jitter
	waitForExpectations(t, mock)
	if runID, _ := stub.lastCall(); runID != "run-5" {
		t.Fatalf("expected run-5 fired, got %q", runID)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, schedule_cron, created_at FROM topics`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "schedule_cron", "created_at"}))

	s := &Scheduler{
		Store:    &store.Store{DB: db},
		Research: &stubResearcher{},
		Stop:     make(chan struct{}),
		Interval: 20 * time.Millisecond,
	}
	s.Start()
	defer close(s.Stop)

	waitForExpectations(t, mock)
}
