// Package heartbeat implements the Heartbeat Scheduler from spec.md §4.8:
// a single ticking task that dispatches per-definition worker tasks for
// cron- or interval-scheduled recurring prompts, with overlap prevention.
//
// Grounded on the teacher's internal/telegraph/cron.go (robfig/cron
// next-fire computation) and internal/telegraph/digest.go (scheduled
// recurring chat posts), plus internal/yardmaster/daemon.go's
// worker-dispatch and `running bool` overlap-prevention shape.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/earlbridge/earl/internal/config"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching the teacher's cronParser in telegraph/cron.go.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// State is one definition's mutable run history (spec.md §3).
type State struct {
	Running       bool
	LastRunAt     time.Time
	LastCompleted time.Time
	RunCount      int
	NextRunAt     time.Time
	LastError     string
}

// RunFunc executes one heartbeat run: posting a header, spawning or
// resuming a session, sending the prompt, and streaming the reply until
// completion or timeout. Supplied by the orchestrator, which owns the
// chat adapter, registry, and stream package — kept as an injected
// function here so internal/heartbeat never imports internal/runner.
type RunFunc func(ctx context.Context, def config.HeartbeatDef) error

// Scheduler owns the single poll loop and per-definition state.
type Scheduler struct {
	defs   []config.HeartbeatDef
	run    RunFunc
	logger *log.Logger

	mu     sync.Mutex
	states map[string]*State // keyed by definition name

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler for defs, computing each definition's first
// next_run_at relative to now.
func New(defs []config.HeartbeatDef, run RunFunc) (*Scheduler, error) {
	states := make(map[string]*State, len(defs))
	now := time.Now()
	for _, d := range defs {
		next, err := nextRunAt(d, now)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: definition %q: %w", d.Name, err)
		}
		states[d.Name] = &State{NextRunAt: next}
	}
	return &Scheduler{
		defs:   defs,
		run:    run,
		logger: log.Default(),
		states: states,
	}, nil
}

// nextRunAt computes the next fire time for a definition from now, per its
// cron expression or fixed interval. Cron takes precedence if both are set.
func nextRunAt(d config.HeartbeatDef, now time.Time) (time.Time, error) {
	if d.Cron != "" {
		sched, err := cronParser.Parse(d.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", d.Cron, err)
		}
		return sched.Next(now), nil
	}
	if d.Interval != "" {
		dur, err := time.ParseDuration(d.Interval)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse interval %q: %w", d.Interval, err)
		}
		return now.Add(dur), nil
	}
	return time.Time{}, fmt.Errorf("neither cron nor interval set")
}

// tickInterval is how often the scheduling task checks for due definitions.
const tickInterval = 1 * time.Second

// Start launches the scheduling task in a background goroutine. Call Stop
// to shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop signals the scheduling task to shut down and blocks until it does.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, def := range s.defs {
		s.mu.Lock()
		st := s.states[def.Name]
		due := !st.Running && !now.Before(st.NextRunAt)
		if due {
			st.Running = true
			st.LastRunAt = now
		}
		s.mu.Unlock()

		if due {
			go s.dispatch(ctx, def)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, def config.HeartbeatDef) {
	err := s.run(ctx, def)

	s.mu.Lock()
	st := s.states[def.Name]
	st.Running = false
	st.LastCompleted = time.Now()
	st.RunCount++
	if err != nil {
		st.LastError = err.Error()
		s.logger.Printf("heartbeat: %q run failed: %v", def.Name, err)
	} else {
		st.LastError = ""
	}
	if next, nerr := nextRunAt(def, st.LastCompleted); nerr == nil {
		st.NextRunAt = next
	} else {
		s.logger.Printf("heartbeat: %q: computing next run: %v", def.Name, nerr)
	}
	s.mu.Unlock()
}

// State returns a copy of name's current state, or false if unknown.
func (s *Scheduler) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every definition's current state, keyed by
// name, for dashboard/status reporting.
func (s *Scheduler) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for name, st := range s.states {
		out[name] = *st
	}
	return out
}
