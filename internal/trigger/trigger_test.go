package trigger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayExpires(t *testing.T) {
	start := time.Now()
	completed := Delay(50*time.Millisecond, New(), &QuitFlag{})
	require.True(t, completed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayWakesOnSignal(t *testing.T) {
	trig := New()
	quit := &QuitFlag{}

	var wg sync.WaitGroup
	wg.Add(1)
	var completed bool
	go func() {
		defer wg.Done()
		completed = Delay(10*time.Second, trig, quit)
	}()

	time.Sleep(20 * time.Millisecond)
	trig.Signal()
	wg.Wait()
	assert.False(t, completed, "signal should cut the sleep short")
}

func TestDelayWakesOnQuit(t *testing.T) {
	trig := New()
	quit := &QuitFlag{}

	done := make(chan bool, 1)
	go func() {
		done <- Delay(10*time.Second, trig, quit)
	}()

	time.Sleep(20 * time.Millisecond)
	quit.Set()
	trig.Signal()

	select {
	case completed := <-done:
		assert.False(t, completed)
	case <-time.After(6 * time.Second):
		t.Fatal("Delay did not observe the quit flag")
	}
}

func TestSignalBeforeSleepIsObserved(t *testing.T) {
	// A signal posted between reading the generation and sleeping must not
	// be lost. Delay reads the generation on entry, so a signal after New
	// but before Delay leaves a changed generation behind; the next sleeper
	// that captured the old generation wakes immediately.
	trig := New()
	gen := trig.generation()
	trig.Signal()
	assert.True(t, trig.waitChanged(gen, time.Second))
}

func TestQuitFlagOneWay(t *testing.T) {
	quit := &QuitFlag{}
	assert.False(t, quit.IsSet())
	quit.Set()
	assert.True(t, quit.IsSet())
}
