package server

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
	"github.com/barkeep-io/barkeep/internal/scheduler"
)

func (d *dispatcher) registerJobs() {
	d.register("jobList", maskAuthorized, d.cmdJobList)
	d.register("jobInfo", maskAuthorized, d.cmdJobInfo)
	d.register("jobNew", maskAuthorized, d.cmdJobNew)
	d.register("jobClone", maskAuthorized, d.cmdJobClone)
	d.register("jobRename", maskAuthorized, d.cmdJobRename)
	d.register("jobDelete", maskAuthorized, d.cmdJobDelete)
	d.register("jobFlush", maskAuthorized, d.cmdJobFlush)
	d.register("jobStart", maskAuthorized, d.cmdJobStart)
	d.register("jobAbort", maskAuthorized, d.cmdJobAbort)
	d.register("jobReset", maskAuthorized, d.cmdJobReset)
	d.register("jobStatus", maskAuthorized, d.cmdJobStatus)
	d.register("jobOptionGet", maskAuthorized, d.cmdJobOptionGet)
	d.register("jobOptionSet", maskAuthorized, d.cmdJobOptionSet)
	d.register("jobOptionDelete", maskAuthorized, d.cmdJobOptionDelete)
}

// withJobs runs fn under the job-list write lock.
func (d *dispatcher) withJobs(fn func() error) error {
	if !d.srv.List.Lock(jobs.LockTimeout) {
		return errBusy("job list busy")
	}
	defer d.srv.List.Unlock()
	return fn()
}

// withJobsRead runs fn under the job-list read lock.
func (d *dispatcher) withJobsRead(fn func() error) error {
	if !d.srv.List.RLock(jobs.LockTimeout) {
		return errBusy("job list busy")
	}
	defer d.srv.List.RUnlock()
	return fn()
}

// cmdJobList streams one row per job with its state and aggregates.
func (d *dispatcher) cmdJobList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	type row struct {
		f protocol.Fields
	}
	var rows []row
	err := d.withJobsRead(func() error {
		for _, j := range d.srv.List.All() {
			f := protocol.Fields{}.
				Add("jobUUID", j.UUID.String()).
				Add("name", j.Name).
				Add("state", j.Running.State.String()).
				Add("archiveName", j.ArchiveURI).
				Add("slaveHostName", j.SlaveHost.Name).
				Add("slaveState", j.SlaveState.String()).
				Add("remote", boolWord(j.IsRemote()))
			if info, ok := d.srv.Agg.Get(j.UUID); ok {
				f = f.
					Add("lastExecutedDateTime", info.LastExecutedAt.Unix()).
					Add("lastErrorCode", info.LastErrorCode).
					Add("lastErrorText", info.LastErrorText).
					Add("executionCount", info.ExecutionCount).
					Add("averageDuration", info.AverageDuration).
					Add("totalEntityCount", info.TotalEntityCount).
					Add("totalEntryCount", info.TotalEntryCount).
					Add("totalEntrySize", info.TotalEntrySize).
					Add("totalEntrySizeReadable", sizeWord(info.TotalEntrySize))
			}
			if at, _ := scheduler.NextDueTime(j, d.srv.Clock.Now()); !at.IsZero() {
				f = f.Add("nextScheduleDateTime", at.Unix())
			}
			rows = append(rows, row{f: f})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r.f)
	}
	return nil, nil
}

// cmdJobInfo reports one job's configuration summary.
func (d *dispatcher) cmdJobInfo(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var f protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		f = protocol.Fields{}.
			Add("jobUUID", j.UUID.String()).
			Add("name", j.Name).
			Add("archiveName", j.ArchiveURI).
			Add("includeCount", len(j.IncludeList)).
			Add("excludeCount", len(j.ExcludeList)).
			Add("scheduleCount", len(j.ScheduleList)).
			Add("persistenceCount", len(j.Persistence.Rules)).
			Add("state", j.Running.State.String()).
			Add("slaveHostName", j.SlaveHost.Name).
			Add("slaveHostPort", j.SlaveHost.Port).
			Add("slaveTLSMode", j.SlaveHost.TLSMode.String()).
			Add("comment", j.Options.Comment)
		return nil
	})
	return f, err
}

// cmdJobNew creates a job and writes its config file.
func (d *dispatcher) cmdJobNew(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var jobUUID uuid.UUID
	err = d.withJobs(func() error {
		if d.srv.List.FindByName(name) != nil {
			return barerr.New(barerr.CodeJobAlreadyExists, "job %q already exists", name)
		}
		j := jobs.NewJob(name)
		j.FileName = d.srv.Store.JobFilePath(name)
		j.Modified = true
		d.srv.List.Append(j)
		d.srv.Store.FlushModified(d.srv.List)
		jobUUID = j.UUID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("jobUUID", jobUUID.String()), nil
}

// cmdJobClone copies a job under a new name.
func (d *dispatcher) cmdJobClone(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	newName, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var jobUUID uuid.UUID
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, protocol.Args{"jobUUID": cmd.Args.StringDefault("jobUUID", "")})
		if err != nil {
			return err
		}
		if d.srv.List.FindByName(newName) != nil {
			return barerr.New(barerr.CodeJobAlreadyExists, "job %q already exists", newName)
		}
		clone := j.Clone(newName)
		clone.FileName = d.srv.Store.JobFilePath(newName)
		d.srv.List.Append(clone)
		d.srv.Store.FlushModified(d.srv.List)
		jobUUID = clone.UUID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("jobUUID", jobUUID.String()), nil
}

// cmdJobRename renames a job and its files.
func (d *dispatcher) cmdJobRename(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	newName, err := cmd.Args.String("newName")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if j.IsActive() {
			return barerr.New(barerr.CodeJobRunning, "job %q is active", j.Name)
		}
		if d.srv.List.FindByName(newName) != nil {
			return barerr.New(barerr.CodeJobAlreadyExists, "job %q already exists", newName)
		}
		if err := d.srv.Store.Rename(j, newName); err != nil {
			return err
		}
		j.Name = newName
		j.Modified = true
		d.srv.Store.FlushModified(d.srv.List)
		return nil
	})
}

// cmdJobDelete removes a non-active job and its files.
func (d *dispatcher) cmdJobDelete(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if j.IsActive() {
			return barerr.New(barerr.CodeJobRunning, "job %q is active", j.Name)
		}
		if err := d.srv.Store.Delete(j); err != nil {
			return err
		}
		d.srv.List.Remove(j.UUID)
		return nil
	})
}

// cmdJobFlush writes all modified jobs to disk.
func (d *dispatcher) cmdJobFlush(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		d.srv.Store.FlushModified(d.srv.List)
		return nil
	})
}

// cmdJobStart triggers a job run.
func (d *dispatcher) cmdJobStart(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	archiveType, err := jobs.ParseArchiveType(cmd.Args.StringDefault("archiveType", "NORMAL"))
	if err != nil {
		return nil, barerr.New(barerr.CodeInvalidValue, "%v", err)
	}
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.Trigger(archiveType, uuid.UUID{},
			cmd.Args.StringDefault("customText", ""),
			cmd.Args.Bool("testCreatedArchives", false),
			cmd.Args.Bool("noStorage", false),
			cmd.Args.Bool("dryRun", false),
			d.srv.Clock.Now(), sess.Name()) {
			return barerr.New(barerr.CodeJobRunning, "job %q is already active", j.Name)
		}
		d.srv.List.NotifyModified()
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.srv.Scheduler.Trigger.Signal()
	return nil, nil
}

// cmdJobAbort requests cancellation of an active job.
func (d *dispatcher) cmdJobAbort(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.Abort(sess.Name())
		d.srv.List.NotifyModified()
		return nil
	})
}

// cmdJobReset clears the running info of a non-active job. History rows in
// the index are kept.
func (d *dispatcher) cmdJobReset(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.Reset() {
			return barerr.New(barerr.CodeJobRunning, "job %q is active", j.Name)
		}
		d.srv.List.NotifyModified()
		return nil
	})
}

// cmdJobStatus reports the live running info of one job.
func (d *dispatcher) cmdJobStatus(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var f protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		ri := &j.Running
		f = protocol.Fields{}.
			Add("state", ri.State.String()).
			Add("doneCount", ri.DoneCount).
			Add("doneSize", ri.DoneSize).
			Add("totalEntryCount", ri.TotalEntryCount).
			Add("totalEntrySize", ri.TotalEntrySize).
			Add("skippedEntryCount", ri.SkippedEntryCount).
			Add("errorEntryCount", ri.ErrorEntryCount).
			Add("entryName", ri.EntryName).
			Add("entryDoneSize", ri.EntryDoneSize).
			Add("entryTotalSize", ri.EntryTotalSize).
			Add("storageName", ri.StorageName).
			Add("storageDoneSize", ri.StorageDoneSize).
			Add("storageTotalSize", ri.StorageTotalSize).
			Add("entriesPerSecond", ri.EntriesPerSecond.Average()).
			Add("bytesPerSecond", ri.BytesPerSecond.Average()).
			Add("storageBytesPerSecond", ri.StorageBytesPerSecond.Average()).
			Add("archiveSize", ri.ArchiveSize).
			Add("compressionRatio", ri.CompressionRatio).
			Add("estimatedRestTime", int64(ri.EstimatedRestTime.Seconds())).
			Add("volumeRequest", int(ri.VolumeRequest)).
			Add("volumeRequestNumber", ri.VolumeRequestNumber).
			Add("message", ri.Message.Text).
			Add("messageCode", int(ri.Message.Code))
		return nil
	})
	return f, err
}

// jobOptionValue reads one option in its config-file spelling.
func jobOptionValue(j *jobs.Job, name string) (string, bool) {
	switch name {
	case "archive-name":
		return j.ArchiveURI, true
	case "archive-part-size":
		return strconv.FormatInt(j.Options.ArchivePartSize, 10), true
	case "compress-algorithm":
		return j.Options.CompressAlgorithm, true
	case "crypt-algorithm":
		return j.Options.CryptAlgorithm, true
	case "crypt-password-mode":
		return j.Options.CryptPasswordMode, true
	case "crypt-public-key":
		return j.Options.CryptPublicKey, true
	case "pre-command":
		return j.Options.PreCommand, true
	case "post-command":
		return j.Options.PostCommand, true
	case "slave-pre-command":
		return j.Options.SlavePreCommand, true
	case "slave-post-command":
		return j.Options.SlavePostCommand, true
	case "max-storage-size":
		return strconv.FormatInt(j.Options.MaxStorageSize, 10), true
	case "volume-size":
		return strconv.FormatInt(j.Options.VolumeSize, 10), true
	case "ecc":
		return boolWord(j.Options.ECC), true
	case "blank":
		return boolWord(j.Options.Blank), true
	case "raw-images":
		return boolWord(j.Options.RawImages), true
	case "no-fragments-check":
		return boolWord(j.Options.NoFragmentsCheck), true
	case "skip-unreadable":
		return boolWord(j.Options.SkipUnreadable), true
	case "wait-first-volume":
		return boolWord(j.Options.WaitFirstVolume), true
	case "comment":
		return j.Options.Comment, true
	case "slave-host-name":
		return j.SlaveHost.Name, true
	case "slave-host-port":
		return strconv.Itoa(j.SlaveHost.Port), true
	case "slave-host-tls-mode":
		return j.SlaveHost.TLSMode.String(), true
	default:
		return "", false
	}
}

// setJobOption writes one option; values are canonicalized on read-back.
func setJobOption(j *jobs.Job, name, value string) error {
	parseInt64 := func() (int64, error) {
		if value == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, barerr.New(barerr.CodeInvalidValue, "invalid value %q for %q", value, name)
		}
		return n, nil
	}
	switch name {
	case "archive-name":
		j.ArchiveURI = value
	case "archive-part-size":
		n, err := parseInt64()
		if err != nil {
			return err
		}
		j.Options.ArchivePartSize = n
	case "compress-algorithm":
		j.Options.CompressAlgorithm = value
	case "crypt-algorithm":
		j.Options.CryptAlgorithm = value
	case "crypt-password-mode":
		j.Options.CryptPasswordMode = value
	case "crypt-public-key":
		j.Options.CryptPublicKey = value
	case "pre-command":
		j.Options.PreCommand = value
	case "post-command":
		j.Options.PostCommand = value
	case "slave-pre-command":
		j.Options.SlavePreCommand = value
	case "slave-post-command":
		j.Options.SlavePostCommand = value
	case "max-storage-size":
		n, err := parseInt64()
		if err != nil {
			return err
		}
		j.Options.MaxStorageSize = n
	case "volume-size":
		n, err := parseInt64()
		if err != nil {
			return err
		}
		j.Options.VolumeSize = n
	case "ecc":
		j.Options.ECC = value == "yes"
	case "blank":
		j.Options.Blank = value == "yes"
	case "raw-images":
		j.Options.RawImages = value == "yes"
	case "no-fragments-check":
		j.Options.NoFragmentsCheck = value == "yes"
	case "skip-unreadable":
		j.Options.SkipUnreadable = value == "yes"
	case "wait-first-volume":
		j.Options.WaitFirstVolume = value == "yes"
	case "comment":
		j.Options.Comment = value
	case "slave-host-name":
		j.SlaveHost.Name = value
	case "slave-host-port":
		if value == "" {
			j.SlaveHost.Port = 0
			break
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return barerr.New(barerr.CodeInvalidValue, "invalid value %q for %q", value, name)
		}
		j.SlaveHost.Port = n
	case "slave-host-tls-mode":
		m, err := jobs.ParseTLSMode(value)
		if err != nil {
			return barerr.New(barerr.CodeInvalidValue, "invalid value %q for %q", value, name)
		}
		j.SlaveHost.TLSMode = m
	default:
		return barerr.New(barerr.CodeUnknownValue, "unknown job option %q", name)
	}
	j.Modified = true
	return nil
}

func (d *dispatcher) cmdJobOptionGet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var f protocol.Fields
	err = d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		value, ok := jobOptionValue(j, name)
		if !ok {
			return barerr.New(barerr.CodeUnknownValue, "unknown job option %q", name)
		}
		f = protocol.Fields{}.Add("value", value)
		return nil
	})
	return f, err
}

func (d *dispatcher) cmdJobOptionSet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	value, err := cmd.Args.String("value")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		return setJobOption(j, name, value)
	})
}

func (d *dispatcher) cmdJobOptionDelete(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if _, ok := jobOptionValue(j, name); !ok {
			return barerr.New(barerr.CodeUnknownValue, "unknown job option %q", name)
		}
		return setJobOption(j, name, "")
	})
}
