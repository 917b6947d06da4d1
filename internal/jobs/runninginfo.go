package jobs

import (
	"time"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

// VolumeRequestState is the state machine of the volume-request sub-protocol
// between the runner and the client (see the runner's requestVolume path).
type VolumeRequestState int

const (
	VolumeRequestNone VolumeRequestState = iota
	VolumeRequestInitial
	VolumeRequestOk
	VolumeRequestUnload
	VolumeRequestAborted
)

// Message is the current per-job status message with its error code.
type Message struct {
	Code barerr.Code
	Text string
}

// averageWindow is the sample count of the throughput filters.
const averageWindow = 30

// AverageFilter is a fixed-window moving average over float64 samples.
// Three instances per job smooth the entries/s, bytes/s, and
// storage-bytes/s rates reported to clients.
type AverageFilter struct {
	samples [averageWindow]float64
	count   int
	next    int
	sum     float64
}

// Append adds a sample, evicting the oldest once the window is full.
func (f *AverageFilter) Append(v float64) {
	if f.count == averageWindow {
		f.sum -= f.samples[f.next]
	} else {
		f.count++
	}
	f.samples[f.next] = v
	f.sum += v
	f.next = (f.next + 1) % averageWindow
}

// Average returns the mean of the windowed samples, 0 when empty.
func (f *AverageFilter) Average() float64 {
	if f.count == 0 {
		return 0
	}
	return f.sum / float64(f.count)
}

// Reset clears the window.
func (f *AverageFilter) Reset() {
	*f = AverageFilter{}
}

// RunningInfo is the transient per-job execution state. It is only written
// by the runner (under the job-list lock) and read by status commands.
type RunningInfo struct {
	State State

	DoneCount         int64
	DoneSize          int64
	TotalEntryCount   int64
	TotalEntrySize    int64
	SkippedEntryCount int64
	SkippedEntrySize  int64
	ErrorEntryCount   int64
	ErrorEntrySize    int64

	EntryName     string
	EntryDoneSize int64
	EntryTotalSize int64

	StorageName     string
	StorageDoneSize int64
	StorageTotalSize int64

	ArchiveSize      int64
	CompressionRatio float64

	EntriesPerSecond     AverageFilter
	BytesPerSecond       AverageFilter
	StorageBytesPerSecond AverageFilter

	// EstimatedRestTime is the max of rest-size over rate across the three
	// filters, recomputed on every progress callback.
	EstimatedRestTime time.Duration

	Message Message

	VolumeRequest       VolumeRequestState
	VolumeRequestNumber int
	VolumeNumber        int
	VolumeUnload        bool

	LastExecutedAt time.Time
	LastErrorCode  barerr.Code
	LastErrorText  string
}

// Reset clears the running info back to idle. Persisted history is not
// touched.
func (r *RunningInfo) Reset() {
	*r = RunningInfo{LastExecutedAt: r.LastExecutedAt}
}

// UpdateRates feeds the three filters and recomputes the estimated rest
// time. elapsed is the time since the previous progress callback.
func (r *RunningInfo) UpdateRates(entriesDelta, bytesDelta, storageBytesDelta int64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	secs := elapsed.Seconds()
	r.EntriesPerSecond.Append(float64(entriesDelta) / secs)
	r.BytesPerSecond.Append(float64(bytesDelta) / secs)
	r.StorageBytesPerSecond.Append(float64(storageBytesDelta) / secs)

	rest := time.Duration(0)
	if rate := r.EntriesPerSecond.Average(); rate > 0 {
		if d := durationFor(float64(r.TotalEntryCount-r.DoneCount), rate); d > rest {
			rest = d
		}
	}
	if rate := r.BytesPerSecond.Average(); rate > 0 {
		if d := durationFor(float64(r.TotalEntrySize-r.DoneSize), rate); d > rest {
			rest = d
		}
	}
	if rate := r.StorageBytesPerSecond.Average(); rate > 0 {
		if d := durationFor(float64(r.StorageTotalSize-r.StorageDoneSize), rate); d > rest {
			rest = d
		}
	}
	r.EstimatedRestTime = rest
}

func durationFor(rest, rate float64) time.Duration {
	if rest <= 0 {
		return 0
	}
	return time.Duration(rest / rate * float64(time.Second))
}
