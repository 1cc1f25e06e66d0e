// Package scheduler runs the engine's maintenance passes on a timer for
// long-lived processes such as `mnemo serve-mcp`, where nothing else
// would otherwise trigger decay or consolidation between sessions.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mnemo-db/mnemo/pkg/engine"
)

// Intervals configures how often each maintenance pass runs. A zero
// duration disables that pass.
type Intervals struct {
	Decay       time.Duration
	Consolidate time.Duration
}

// DefaultIntervals mirrors the cadence a single active session would see
// under normal idle-gap rotation: decay roughly every idle cycle,
// consolidation at a slower cadence since it is the more expensive pass.
func DefaultIntervals() Intervals {
	return Intervals{
		Decay:       15 * time.Minute,
		Consolidate: time.Hour,
	}
}

// Manager runs decay and consolidation against one engine on independent
// timers until stopped.
type Manager struct {
	eng       *engine.Engine
	intervals Intervals

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager bound to eng. Call Start to begin ticking.
func New(eng *engine.Engine, intervals Intervals) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{eng: eng, intervals: intervals, ctx: ctx, cancel: cancel}
}

// Start launches the decay and consolidation loops in the background. A
// pass with a zero interval is not scheduled at all.
func (m *Manager) Start() {
	if m.intervals.Decay > 0 {
		m.wg.Add(1)
		go m.loop("decay", m.intervals.Decay, func(ctx context.Context) error {
			_, err := m.eng.Decay(ctx)
			return err
		})
	}
	if m.intervals.Consolidate > 0 {
		m.wg.Add(1)
		go m.loop("consolidate", m.intervals.Consolidate, func(ctx context.Context) error {
			_, err := m.eng.Consolidate(ctx)
			return err
		})
	}
}

// Stop cancels both loops and waits for them to return.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) loop(name string, interval time.Duration, run func(context.Context) error) {
	defer m.wg.Done()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			if err := run(m.ctx); err != nil {
				log.Printf("scheduler: %s pass failed: %v", name, err)
			}
			timer.Reset(interval)
		}
	}
}
