package session

import (
	"fmt"
	"log/slog"
	"time"

	"duel_arena/internal/logger"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Monitor forfeits sessions nobody has acted in for longer than the timeout.
type Monitor struct {
	engine   *Engine
	timeout  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	sched    gocron.Scheduler
	log      *slog.Logger
}

func NewMonitor(engine *Engine, timeout, interval time.Duration) *Monitor {
	return &Monitor{
		engine:   engine,
		timeout:  timeout,
		interval: interval,
		clock:    engine.clock,
		log:      logger.Component("inactivity_monitor"),
	}
}

// Sweep checks every active session once and returns how many were forfeited.
func (m *Monitor) Sweep() int {
	n := 0
	for _, id := range m.engine.store.ActiveIDs() {
		if m.engine.ForfeitInactive(id, m.timeout) {
			n++
		}
	}
	if n > 0 {
		m.log.Info("inactivity sweep", "forfeited", n)
	}
	return n
}

// Start schedules Sweep every interval.
func (m *Monitor) Start() error {
	sched, err := gocron.NewScheduler(gocron.WithClock(m.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			m.Sweep()
		}),
		gocron.WithName("inactivity-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	m.sched = sched
	m.log.Info("inactivity monitor started", "interval", m.interval, "timeout", m.timeout)
	return nil
}

func (m *Monitor) Stop() error {
	if m.sched == nil {
		return nil
	}
	return m.sched.Shutdown()
}
