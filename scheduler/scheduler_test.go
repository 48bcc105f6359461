package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskRunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Register(Task{
		Name:     "counter",
		Interval: 20 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start()
	time.Sleep(110 * time.Millisecond)
	s.Stop()

	// immediate run plus ~5 ticks; allow generous slack for slow CI
	n := runs.Load()
	assert.GreaterOrEqual(t, n, int32(3))
}

func TestSlowTaskNeverOverlapsItself(t *testing.T) {
	var concurrent atomic.Int32
	var peak atomic.Int32
	var runs atomic.Int32

	s := New()
	s.Register(Task{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			cur := concurrent.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond)
			concurrent.Add(-1)
			return nil
		},
	})
	s.Start()
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), peak.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestStopWaitsForInflightRun(t *testing.T) {
	var done atomic.Bool
	s := New()
	s.Register(Task{
		Name:     "finisher",
		Interval: time.Hour,
		Run: func(context.Context) error {
			time.Sleep(30 * time.Millisecond)
			done.Store(true)
			return nil
		},
	})
	s.Start()
	time.Sleep(5 * time.Millisecond)
	s.Stop()

	assert.True(t, done.Load())
}

func TestTasksTickIndependently(t *testing.T) {
	var fast, slow atomic.Int32
	s := New()
	s.Register(Task{
		Name:     "fast",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			fast.Add(1)
			return nil
		},
	})
	s.Register(Task{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			slow.Add(1)
			return nil
		},
	})
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), slow.Load())
	assert.Greater(t, fast.Load(), slow.Load())
}

func TestRegisterAfterStartIsRejected(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	s.Register(Task{Name: "late", Interval: time.Millisecond, Run: func(context.Context) error { return nil }})

	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()
	assert.Equal(t, 0, n)
}
