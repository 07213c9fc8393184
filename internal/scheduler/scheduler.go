// Package scheduler owns the periodic jobs that keep sessions fresh,
// positions supervised, and dashboard subscribers informed, grounded
// on cmd/api/main.go's signal.Notify shutdown pattern generalized to
// N independent ticker loops.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gudax/autobot/internal/eventbus"
	"github.com/gudax/autobot/internal/fanout"
	"github.com/gudax/autobot/internal/logging"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/supervisor"
)

// Config sets each job's period; zero values fall back to the spec
// defaults.
type Config struct {
	RefreshInterval    time.Duration
	SweepInterval      time.Duration
	SupervisorInterval time.Duration
	HeartbeatInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 10 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.SupervisorInterval == 0 {
		c.SupervisorInterval = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// recoveryWait is how long a job sleeps after a panic before resuming,
// per spec: "waits 60s (or its own interval)".
const recoveryWait = 60 * time.Second

// Scheduler runs the four periodic jobs as independent loops; a panic
// or error in one never halts the others.
type Scheduler struct {
	cfg    Config
	pool   *sessionpool.SessionPool
	sup    *supervisor.Supervisor
	bus    *eventbus.Bus
	log    *logging.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(pool *sessionpool.SessionPool, sup *supervisor.Supervisor, bus *eventbus.Bus, cfg Config, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Default
	}
	return &Scheduler{
		cfg:  cfg.withDefaults(),
		pool: pool,
		sup:  sup,
		bus:  bus,
		log:  log,
		stop: make(chan struct{}),
	}
}

// Start launches all four jobs in the background and returns
// immediately.
func (s *Scheduler) Start() {
	s.wg.Add(4)
	go s.run("refresh", s.cfg.RefreshInterval, s.refreshTick)
	go s.run("sweep", s.cfg.SweepInterval, s.sweepTick)
	go s.run("supervisor", s.cfg.SupervisorInterval, s.supervisorTick)
	go s.run("heartbeat", s.cfg.HeartbeatInterval, s.heartbeatTick)
}

// Stop signals every job to exit after its in-flight iteration
// completes and waits for them to drain.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// run drives one job's ticker loop. A panic inside action is
// recovered, logged, and followed by a recoveryWait pause before the
// loop resumes; the job itself never takes the scheduler down.
func (s *Scheduler) run(name string, interval time.Duration, action func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(name, action)
		}
	}
}

func (s *Scheduler) tick(name string, action func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("scheduler job %s panicked: %v", name, r)
			time.Sleep(recoveryWait)
		}
	}()
	action(context.Background())
}

func (s *Scheduler) refreshTick(ctx context.Context) {
	outcomes, err := s.pool.RefreshAll(ctx)
	if err != nil {
		s.log.Errorf("refresh-all failed: %v", err)
		return
	}
	successful, failed := countOutcomes(outcomes)
	s.bus.PublishSessionUpdate(map[string]any{
		"type":       "tokens_refreshed",
		"successful": successful,
		"failed":     failed,
	})
}

func (s *Scheduler) sweepTick(ctx context.Context) {
	report := s.pool.Sweep(ctx)
	s.bus.PublishSessionUpdate(map[string]any{
		"type":         "session_health",
		"healthy":      report.Healthy,
		"expiringSoon": len(report.ExpiringSoon),
		"expired":      len(report.Expired),
	})
}

func (s *Scheduler) supervisorTick(ctx context.Context) {
	result := s.sup.Tick(ctx)
	s.bus.Publish(eventbus.ChannelPositions, eventbus.Message{
		Type: "positions_count",
		Data: map[string]any{"checked": result.Checked, "closed": result.Closed, "errors": result.Errors},
	})
	s.bus.Publish(eventbus.ChannelDashboard, eventbus.Message{
		Type: "positions_count",
		Data: map[string]any{"checked": result.Checked, "closed": result.Closed, "errors": result.Errors},
	})
}

func (s *Scheduler) heartbeatTick(ctx context.Context) {
	stats := s.bus.Stats()
	s.bus.Publish(eventbus.ChannelAll, eventbus.Message{
		Type: "heartbeat",
		Data: map[string]any{"connections": stats.TotalSubscribers},
	})
}

func countOutcomes(outcomes []sessionpool.LoginOutcome) (successful, failed int) {
	for _, o := range outcomes {
		if o.Success {
			successful++
		} else {
			failed++
		}
	}
	return successful, failed
}
