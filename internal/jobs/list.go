package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockTimeout is the default timed-acquisition budget for the job list.
// Failing to acquire within it is treated as "busy"; callers retry.
const LockTimeout = 30 * time.Second

// List is the process-wide job registry: a single read/write lock with timed
// acquisition over all jobs, plus a condition variable that wakes the runner
// whenever jobs or their states change.
type List struct {
	mu   sync.RWMutex
	cond *sync.Cond // signalled on every modification, paired with mu's write side

	jobs []*Job
}

// NewList creates an empty job list.
func NewList() *List {
	l := &List{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the write lock, waiting at most timeout. Returns false when
// the list stayed busy.
func (l *List) Lock(timeout time.Duration) bool {
	return acquire(l.mu.TryLock, timeout)
}

// Unlock releases the write lock.
func (l *List) Unlock() {
	l.mu.Unlock()
}

// RLock acquires the read lock, waiting at most timeout.
func (l *List) RLock(timeout time.Duration) bool {
	return acquire(l.mu.TryRLock, timeout)
}

// RUnlock releases the read lock.
func (l *List) RUnlock() {
	l.mu.RUnlock()
}

// acquire polls try until it succeeds or the timeout elapses. The poll
// interval is coarse; lock handoffs here are rare and long-held.
func acquire(try func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if try() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// NotifyModified wakes every goroutine blocked in WaitModified. Call with
// the write lock held after mutating job state.
func (l *List) NotifyModified() {
	l.cond.Broadcast()
}

// WaitModified blocks until NotifyModified is called or the timeout elapses.
// Must be called with the write lock held; the lock is released while
// waiting and re-acquired before returning.
func (l *List) WaitModified(timeout time.Duration) {
	timer := time.AfterFunc(timeout, l.cond.Broadcast)
	defer timer.Stop()
	l.cond.Wait()
}

// Append adds a job. Caller holds the write lock.
func (l *List) Append(j *Job) {
	l.jobs = append(l.jobs, j)
	l.cond.Broadcast()
}

// Remove deletes a job by UUID. Caller holds the write lock.
func (l *List) Remove(id uuid.UUID) bool {
	for i, j := range l.jobs {
		if j.UUID == id {
			l.jobs = append(l.jobs[:i], l.jobs[i+1:]...)
			l.cond.Broadcast()
			return true
		}
	}
	return false
}

// Find returns the job with the given UUID, or nil. Caller holds a lock.
func (l *List) Find(id uuid.UUID) *Job {
	for _, j := range l.jobs {
		if j.UUID == id {
			return j
		}
	}
	return nil
}

// FindByName returns the job with the given name, or nil. Caller holds a
// lock.
func (l *List) FindByName(name string) *Job {
	for _, j := range l.jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// All returns the underlying slice. Caller holds a lock and must not retain
// the slice past the unlock.
func (l *List) All() []*Job {
	return l.jobs
}

// Count returns the number of jobs. Caller holds a lock.
func (l *List) Count() int {
	return len(l.jobs)
}

// NextWaiting selects the next runnable job: a waiting continuous job first,
// otherwise any waiting job; remote jobs qualify only when their slave is
// paired. Caller holds a lock.
func (l *List) NextWaiting() *Job {
	for _, j := range l.jobs {
		if j.Running.State == StateWaiting && j.ArchiveType == ArchiveTypeContinuous && runnable(j) {
			return j
		}
	}
	for _, j := range l.jobs {
		if j.Running.State == StateWaiting && runnable(j) {
			return j
		}
	}
	return nil
}

func runnable(j *Job) bool {
	return !j.IsRemote() || j.SlaveState == SlaveStatePaired
}
