// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"sync"
	"time"

	"github.com/hrissan/tlssocket/intrusive"
)

// Timer fires fireFunc once, on a goroutine started by time.AfterFunc,
// unless Cancel runs first.
type Timer struct {
	timerHeapIndex   int
	fireTimeUnixNano int64
	fireFunc         func()
	canceled         bool
}

// Clock is a minimal timer wheel adapted from the DTLS retransmission
// clock in dtlscore/clock.go: here it only ever guards the
// async-resumption-wait suspension edge, since TCP itself owns
// retransmission timing that DTLS had to implement by hand.
type Clock struct {
	mu     sync.Mutex
	timers intrusive.IntrusiveHeap[Timer]
}

func timerHeapPred(a, b *Timer) bool {
	return a.fireTimeUnixNano < b.fireTimeUnixNano
}

func NewClock(preallocate bool, maxTimers int) *Clock {
	cl := &Clock{}
	if preallocate {
		cl.timers = *intrusive.NewIntrusiveHeap(timerHeapPred, maxTimers)
	} else {
		cl.timers = *intrusive.NewIntrusiveHeap(timerHeapPred, 0)
	}
	return cl
}

// After schedules fireFunc to run (on a dedicated goroutine; callers must
// take whatever lock fireFunc needs, e.g. the socket's own mutex) once d
// has elapsed. The returned Timer may be passed to Cancel.
func (cl *Clock) After(d time.Duration, fireFunc func()) *Timer {
	t := &Timer{
		fireTimeUnixNano: time.Now().Add(d).UnixNano(),
		fireFunc:         fireFunc,
	}
	cl.mu.Lock()
	cl.timers.Insert(t, &t.timerHeapIndex)
	cl.mu.Unlock()

	time.AfterFunc(d, func() {
		cl.mu.Lock()
		fire := !t.canceled
		if fire {
			cl.timers.Erase(t, &t.timerHeapIndex)
		}
		cl.mu.Unlock()
		if fire {
			fireFunc()
		}
	})
	return t
}

// Cancel prevents a pending Timer from firing. Idempotent.
func (cl *Clock) Cancel(t *Timer) {
	if t == nil {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !t.canceled {
		t.canceled = true
		cl.timers.Erase(t, &t.timerHeapIndex)
	}
}
