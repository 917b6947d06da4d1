// Package trigger provides the cooperative sleep primitive shared by all
// long-running server loops: a Trigger that can be signalled from any
// goroutine, and a Delay that sleeps until a deadline, a trigger signal, or
// the quit flag, whichever comes first.
//
// A Trigger carries a generation counter under its condition variable so a
// signal posted before a sleeper arrives is still observed: the sleeper
// records the generation on entry and wakes as soon as it differs.
package trigger

import (
	"sync"
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a sleeper can go without re-checking the quit
// flag, even when neither the deadline nor the trigger fires.
const pollInterval = 5 * time.Second

// Trigger is a broadcast wakeup source with a generation counter.
// The zero value is not usable; create instances with New.
type Trigger struct {
	mu  sync.Mutex
	cv  *sync.Cond
	gen uint64
}

// New creates an idle Trigger.
func New() *Trigger {
	t := &Trigger{}
	t.cv = sync.NewCond(&t.mu)
	return t
}

// Signal advances the generation and wakes every current sleeper.
func (t *Trigger) Signal() {
	t.mu.Lock()
	t.gen++
	t.mu.Unlock()
	t.cv.Broadcast()
}

// generation returns the current generation under the lock.
func (t *Trigger) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// waitChanged blocks until the generation differs from gen or the timeout
// elapses. Returns true if the trigger fired.
func (t *Trigger) waitChanged(gen uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	for t.gen == gen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// sync.Cond has no timed wait; a timer goroutine broadcasts once the
		// slice of time is up so the loop re-evaluates the deadline.
		timer := time.AfterFunc(remaining, t.cv.Broadcast)
		t.cv.Wait()
		timer.Stop()
	}
	return true
}

// QuitFlag is the process-wide cooperative shutdown flag. Setting it is
// one-way; loops poll IsSet at least every pollInterval while sleeping.
type QuitFlag struct {
	set atomic.Bool
}

// Set marks the flag. Callers are expected to also Signal any triggers their
// sleepers wait on.
func (q *QuitFlag) Set() {
	q.set.Store(true)
}

// IsSet reports whether shutdown was requested.
func (q *QuitFlag) IsSet() bool {
	return q.set.Load()
}

// Delay sleeps for at most d. It returns early when trig fires (trig may be
// nil) or when quit is set; the quit flag is polled at least every 5 seconds
// regardless of d. Returns true if the sleep ran to completion, false if it
// was cut short by the trigger or quit.
func Delay(d time.Duration, trig *Trigger, quit *QuitFlag) bool {
	deadline := time.Now().Add(d)

	var gen uint64
	if trig != nil {
		gen = trig.generation()
	}

	for {
		if quit != nil && quit.IsSet() {
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		slice := remaining
		if slice > pollInterval {
			slice = pollInterval
		}

		if trig != nil {
			if trig.waitChanged(gen, slice) {
				return false
			}
		} else {
			time.Sleep(slice)
		}
	}
}
