package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// progressPublishInterval rate-limits job.progress hub frames.
const progressPublishInterval = time.Second

// createCallbacks builds the capability bundle handed to the create
// collaborator. All predicates take short locks; the archiver polls them
// between entries.
func (r *Runner) createCallbacks(snap *snapshot, quit *trigger.QuitFlag) storage.CreateCallbacks {
	lastTick := r.clock.Now()
	var lastPublish time.Time
	var prev storage.Progress

	return storage.CreateCallbacks{
		GetCryptPassword: func() (string, error) {
			if pw := string(r.cfg.Get().CryptPassword); pw != "" {
				return pw, nil
			}
			return "", barerr.New(barerr.CodeNoCryptPassword, "no crypt password configured")
		},
		Progress: func(p storage.Progress) {
			now := r.clock.Now()
			elapsed := now.Sub(lastTick)
			lastTick = now

			if !r.list.Lock(jobs.LockTimeout) {
				return
			}
			j := r.list.Find(snap.jobUUID)
			if j != nil {
				ri := &j.Running
				ri.DoneCount = p.DoneCount
				ri.DoneSize = p.DoneSize
				ri.TotalEntryCount = p.TotalEntryCount
				ri.TotalEntrySize = p.TotalEntrySize
				ri.SkippedEntryCount = p.SkippedEntryCount
				ri.SkippedEntrySize = p.SkippedEntrySize
				ri.ErrorEntryCount = p.ErrorEntryCount
				ri.ErrorEntrySize = p.ErrorEntrySize
				ri.EntryName = p.EntryName
				ri.EntryDoneSize = p.EntryDoneSize
				ri.EntryTotalSize = p.EntryTotalSize
				ri.StorageName = p.StorageName
				ri.StorageDoneSize = p.StorageDoneSize
				ri.StorageTotalSize = p.StorageTotalSize
				ri.ArchiveSize = p.ArchiveSize
				ri.UpdateRates(
					p.DoneCount-prev.DoneCount,
					p.DoneSize-prev.DoneSize,
					p.StorageDoneSize-prev.StorageDoneSize,
					elapsed,
				)
			}
			r.list.Unlock()
			prev = p

			if now.Sub(lastPublish) >= progressPublishInterval {
				lastPublish = now
				r.hub.Publish("job:"+snap.jobUUID.String(), events.Message{
					Type: events.MsgJobProgress,
					Payload: map[string]int64{
						"doneCount": p.DoneCount,
						"doneSize":  p.DoneSize,
						"totalCount": p.TotalEntryCount,
						"totalSize":  p.TotalEntrySize,
					},
				})
			}
		},
		RequestVolume: func(req storage.VolumeRequest) storage.VolumeAnswer {
			return r.waitVolume(snap.jobUUID, req, quit)
		},
		IsPauseCreate:  r.pause.IsCreatePaused,
		IsPauseStorage: r.pause.IsStoragePaused,
		IsAborted: func() bool {
			return quit.IsSet() || r.isAborted(snap.jobUUID)
		},
	}
}

// isAborted reads the job's abort flag under a short lock.
func (r *Runner) isAborted(jobUUID uuid.UUID) bool {
	if !r.list.RLock(jobs.LockTimeout) {
		return false
	}
	defer r.list.RUnlock()
	j := r.list.Find(jobUUID)
	return j == nil || j.RequestedAbort
}

// waitVolume runs the volume-request sub-protocol: publish the request on
// the running info, signal the list, and wait for a client to answer via
// volumeLoad/volumeUnload or for an abort.
func (r *Runner) waitVolume(jobUUID uuid.UUID, req storage.VolumeRequest, quit *trigger.QuitFlag) storage.VolumeAnswer {
	if !r.list.Lock(jobs.LockTimeout) {
		return storage.VolumeAnswerNone
	}
	j := r.list.Find(jobUUID)
	if j == nil {
		r.list.Unlock()
		return storage.VolumeAnswerAborted
	}
	j.Running.VolumeRequest = jobs.VolumeRequestInitial
	j.Running.VolumeRequestNumber = req.VolumeNumber
	j.Running.VolumeUnload = false
	r.list.NotifyModified()

	for {
		if quit.IsSet() || j.RequestedAbort {
			j.Running.VolumeRequest = jobs.VolumeRequestAborted
			r.list.Unlock()
			return storage.VolumeAnswerAborted
		}
		if j.Running.VolumeUnload {
			j.Running.VolumeRequest = jobs.VolumeRequestUnload
			j.Running.VolumeUnload = false
			r.list.Unlock()
			return storage.VolumeAnswerUnload
		}
		if j.Running.VolumeNumber == req.VolumeNumber {
			j.Running.VolumeRequest = jobs.VolumeRequestOk
			r.list.Unlock()
			return storage.VolumeAnswerOk
		}
		r.list.WaitModified(idleWait)
	}
}

// resultRow is the streamed-row shape received from a slave during a remote
// create.
type resultRow = *protocol.Result

// applyRemoteProgress maps a streamed result row from the slave onto the
// local running info and summary counters.
func (r *Runner) applyRemoteProgress(snap *snapshot, row resultRow, summary *storage.CreateSummary, lastTick *time.Time) {
	p := storage.Progress{
		DoneCount:        rowInt(row, "doneCount"),
		DoneSize:         rowInt(row, "doneSize"),
		TotalEntryCount:  rowInt(row, "totalEntryCount"),
		TotalEntrySize:   rowInt(row, "totalEntrySize"),
		StorageDoneSize:  rowInt(row, "storageDoneSize"),
		StorageTotalSize: rowInt(row, "storageTotalSize"),
		ArchiveSize:      rowInt(row, "archiveSize"),
	}
	if v, ok := row.Get("entryName"); ok {
		p.EntryName = v
	}
	if v, ok := row.Get("storageName"); ok {
		p.StorageName = v
	}

	summary.TotalEntryCount = p.TotalEntryCount
	summary.TotalEntrySize = p.TotalEntrySize
	summary.StorageTotalSize = p.StorageTotalSize

	now := r.clock.Now()
	elapsed := now.Sub(*lastTick)
	*lastTick = now

	if !r.list.Lock(jobs.LockTimeout) {
		return
	}
	if j := r.list.Find(snap.jobUUID); j != nil {
		ri := &j.Running
		ri.DoneCount = p.DoneCount
		ri.DoneSize = p.DoneSize
		ri.TotalEntryCount = p.TotalEntryCount
		ri.TotalEntrySize = p.TotalEntrySize
		ri.EntryName = p.EntryName
		ri.StorageName = p.StorageName
		ri.StorageDoneSize = p.StorageDoneSize
		ri.StorageTotalSize = p.StorageTotalSize
		ri.UpdateRates(0, 0, 0, elapsed)
	}
	r.list.Unlock()
}

func rowInt(row resultRow, key string) int64 {
	v, ok := row.Get(key)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n
}

// protocolArgs converts a plain map into protocol args.
func protocolArgs(m map[string]string) protocol.Args {
	a := make(protocol.Args, len(m))
	for k, v := range m {
		a[k] = v
	}
	return a
}

// expandArchiveName substitutes the storage-name template macros.
func expandArchiveName(tmpl string, snap *snapshot, now time.Time) string {
	repl := strings.NewReplacer(
		"%name", snap.jobName,
		"%uuid", snap.jobUUID.String(),
		"%type", snap.archiveType.String(),
		"%T", snap.archiveType.String()[:1],
		"%text", snap.customText,
		"%Y", fmt.Sprintf("%04d", now.Year()),
		"%m", fmt.Sprintf("%02d", int(now.Month())),
		"%d", fmt.Sprintf("%02d", now.Day()),
		"%H", fmt.Sprintf("%02d", now.Hour()),
		"%M", fmt.Sprintf("%02d", now.Minute()),
		"%S", fmt.Sprintf("%02d", now.Second()),
		"%%", "%",
	)
	return repl.Replace(tmpl)
}
