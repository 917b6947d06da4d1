package server

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

func (d *dispatcher) registerGlobal() {
	d.register("status", maskAuthorized, d.cmdStatus)
	d.register("pause", maskAuthorized, d.cmdPause)
	d.register("suspend", maskAuthorized, d.cmdSuspend)
	d.register("continue", maskAuthorized, d.cmdContinue)
	d.register("maintenance", maskAuthorized, d.cmdMaintenanceList)
	d.register("maintenanceList", maskAuthorized, d.cmdMaintenanceList)
	d.register("maintenanceAdd", maskAuthorized, d.cmdMaintenanceAdd)
	d.register("maintenanceUpdate", maskAuthorized, d.cmdMaintenanceUpdate)
	d.register("maintenanceRemove", maskAuthorized, d.cmdMaintenanceRemove)
	d.register("serverOptionGet", maskAuthorized, d.cmdServerOptionGet)
	d.register("serverOptionSet", maskAuthorized, d.cmdServerOptionSet)
	d.register("serverOptionFlush", maskAuthorized, d.cmdServerOptionFlush)
	d.register("serverList", maskAuthorized, d.cmdServerList)
	d.register("serverListAdd", maskAuthorized, d.cmdServerListAdd)
	d.register("serverListUpdate", maskAuthorized, d.cmdServerListUpdate)
	d.register("serverListRemove", maskAuthorized, d.cmdServerListRemove)
}

// cmdStatus reports the server run state and pause flags.
func (d *dispatcher) cmdStatus(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	create, storagePause, restore, indexUpdate, indexMaint, until := d.srv.Pause.Snapshot()

	state := "running"
	if create || storagePause || restore {
		state = "paused"
	}

	var activeJobs, waitingJobs int
	if d.srv.List.RLock(jobs.LockTimeout) {
		for _, j := range d.srv.List.All() {
			switch j.Running.State {
			case jobs.StateRunning:
				activeJobs++
			case jobs.StateWaiting:
				waitingJobs++
			}
		}
		d.srv.List.RUnlock()
	}

	f := protocol.Fields{}.
		Add("state", state).
		Add("mode", d.srv.Mode()).
		Add("pauseCreate", boolWord(create)).
		Add("pauseStorage", boolWord(storagePause)).
		Add("pauseRestore", boolWord(restore)).
		Add("pauseIndexUpdate", boolWord(indexUpdate)).
		Add("pauseIndexMaintenance", boolWord(indexMaint)).
		Add("runningJobs", activeJobs).
		Add("waitingJobs", waitingJobs)
	if !until.IsZero() {
		f = f.Add("pauseEnd", until.Unix())
	}
	return f, nil
}

// pauseSelection parses the modeMask argument of pause/suspend.
func pauseSelection(args protocol.Args) (create, storageFlag, restore, indexUpdate, indexMaintenance bool) {
	sel := args.StringDefault("modeMask", "CREATE,STORAGE,RESTORE")
	for _, word := range splitList(sel) {
		switch word {
		case "CREATE":
			create = true
		case "STORAGE":
			storageFlag = true
		case "RESTORE":
			restore = true
		case "INDEX_UPDATE":
			indexUpdate = true
		case "INDEX_MAINTENANCE":
			indexMaintenance = true
		case "ALL":
			create, storageFlag, restore, indexUpdate, indexMaintenance = true, true, true, true, true
		}
	}
	return
}

// cmdPause pauses the selected activity classes for a bounded time.
func (d *dispatcher) cmdPause(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	seconds := cmd.Args.IntDefault("time", 3600)
	create, storageFlag, restore, indexUpdate, indexMaintenance := pauseSelection(cmd.Args)
	d.srv.Pause.Set(create, storageFlag, restore, indexUpdate, indexMaintenance,
		time.Duration(seconds)*time.Second)
	return nil, nil
}

// cmdSuspend is pause with an indefinite horizon.
func (d *dispatcher) cmdSuspend(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	create, storageFlag, restore, indexUpdate, indexMaintenance := pauseSelection(cmd.Args)
	d.srv.Pause.Set(create, storageFlag, restore, indexUpdate, indexMaintenance, 365*24*time.Hour)
	return nil, nil
}

// cmdContinue clears all pause flags.
func (d *dispatcher) cmdContinue(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	d.srv.Pause.Clear()
	return nil, nil
}

// cmdMaintenanceList streams the configured maintenance windows.
func (d *dispatcher) cmdMaintenanceList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	for _, w := range d.srv.Config.Get().Maintenance {
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("id", w.ID).
			Add("date", w.Date).
			Add("weekDays", w.WeekDays).
			Add("beginTime", w.Begin).
			Add("endTime", w.End),
		)
	}
	return nil, nil
}

func maintenanceFromArgs(args protocol.Args, w *config.MaintenanceWindow) error {
	w.Date = args.StringDefault("date", "*-*-*")
	w.WeekDays = args.StringDefault("weekDays", "*")
	w.Begin = args.StringDefault("beginTime", "*:*")
	w.End = args.StringDefault("endTime", "*:*")
	_, err := w.Parse()
	return err
}

func (d *dispatcher) cmdMaintenanceAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var w config.MaintenanceWindow
	if err := maintenanceFromArgs(cmd.Args, &w); err != nil {
		return nil, err
	}
	var id int
	d.srv.Config.Update(func(o *config.Options) {
		w.ID = o.NextMaintenanceID()
		id = w.ID
		o.Maintenance = append(o.Maintenance, w)
	})
	return protocol.Fields{}.Add("id", id), d.srv.Config.Flush()
}

func (d *dispatcher) cmdMaintenanceUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	var w config.MaintenanceWindow
	if err := maintenanceFromArgs(cmd.Args, &w); err != nil {
		return nil, err
	}
	found := false
	d.srv.Config.Update(func(o *config.Options) {
		if existing := o.FindMaintenance(id); existing != nil {
			w.ID = id
			*existing = w
			found = true
		}
	})
	if !found {
		return nil, barerr.New(barerr.CodeMaintenanceIdNotFound, "maintenance %d not found", id)
	}
	return nil, d.srv.Config.Flush()
}

func (d *dispatcher) cmdMaintenanceRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	found := false
	d.srv.Config.Update(func(o *config.Options) {
		for i, w := range o.Maintenance {
			if w.ID == id {
				o.Maintenance = append(o.Maintenance[:i], o.Maintenance[i+1:]...)
				found = true
				return
			}
		}
	})
	if !found {
		return nil, barerr.New(barerr.CodeMaintenanceIdNotFound, "maintenance %d not found", id)
	}
	return nil, d.srv.Config.Flush()
}

// serverOption maps a wire option name onto the global options.
type serverOption struct {
	get func(*config.Options) string
	set func(*config.Options, string) error
}

var serverOptions = map[string]serverOption{
	"jobs-directory": {
		get: func(o *config.Options) string { return o.JobsDirectory },
		set: func(o *config.Options, v string) error { o.JobsDirectory = v; return nil },
	},
	"index-database": {
		get: func(o *config.Options) string { return o.IndexDSN },
		set: func(o *config.Options, v string) error { o.IndexDSN = v; return nil },
	},
	"max-connections": {
		get: func(o *config.Options) string { return strconv.Itoa(o.MaxConnections) },
		set: func(o *config.Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return barerr.New(barerr.CodeInvalidValue, "invalid max-connections %q", v)
			}
			o.MaxConnections = n
			return nil
		},
	},
	"ca-file": {
		get: func(o *config.Options) string { return o.CAFile },
		set: func(o *config.Options, v string) error { o.CAFile = v; return nil },
	},
	"cert-file": {
		get: func(o *config.Options) string { return o.CertFile },
		set: func(o *config.Options, v string) error { o.CertFile = v; return nil },
	},
	"key-file": {
		get: func(o *config.Options) string { return o.KeyFile },
		set: func(o *config.Options, v string) error { o.KeyFile = v; return nil },
	},
	"pairing-file": {
		get: func(o *config.Options) string { return o.PairingFile },
		set: func(o *config.Options, v string) error { o.PairingFile = v; return nil },
	},
	// Kept for older GUIs; the value is ignored and set reports
	// DeprecatedOrIgnoredValue.
	"mount-command": {
		get: func(*config.Options) string { return "" },
		set: func(*config.Options, string) error {
			return barerr.New(barerr.CodeDeprecatedOrIgnoredValue, "mount-command is ignored")
		},
	},
}

func (d *dispatcher) cmdServerOptionGet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	opt, ok := serverOptions[name]
	if !ok {
		return nil, barerr.New(barerr.CodeUnknownValue, "unknown server option %q", name)
	}
	opts := d.srv.Config.Get()
	return protocol.Fields{}.Add("value", opt.get(&opts)), nil
}

func (d *dispatcher) cmdServerOptionSet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	value, err := cmd.Args.String("value")
	if err != nil {
		return nil, err
	}
	opt, ok := serverOptions[name]
	if !ok {
		return nil, barerr.New(barerr.CodeUnknownValue, "unknown server option %q", name)
	}
	var serr error
	d.srv.Config.Update(func(o *config.Options) {
		serr = opt.set(o, value)
	})
	return nil, serr
}

func (d *dispatcher) cmdServerOptionFlush(_ *Session, _ *index.Handle, _ *protocol.Command) (protocol.Fields, error) {
	return nil, d.srv.Config.Flush()
}

// cmdServerList streams the configured slave servers.
func (d *dispatcher) cmdServerList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	for _, e := range d.srv.Config.Get().Servers {
		sess.sendRow(cmd.ID, protocol.Fields{}.
			Add("id", e.ID).
			Add("name", e.Name).
			Add("port", e.Port).
			Add("tlsMode", e.TLSMode),
		)
	}
	return nil, nil
}

func (d *dispatcher) cmdServerListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	entry := config.ServerEntry{
		Name:    name,
		Port:    cmd.Args.IntDefault("port", 38523),
		TLSMode: cmd.Args.StringDefault("tlsMode", "NONE"),
	}
	if _, err := jobs.ParseTLSMode(entry.TLSMode); err != nil {
		return nil, barerr.New(barerr.CodeInvalidValue, "invalid tlsMode %q", entry.TLSMode)
	}
	var id int
	d.srv.Config.Update(func(o *config.Options) {
		entry.ID = o.NextServerID()
		id = entry.ID
		o.Servers = append(o.Servers, entry)
	})
	return protocol.Fields{}.Add("id", id), d.srv.Config.Flush()
}

func (d *dispatcher) cmdServerListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	found := false
	d.srv.Config.Update(func(o *config.Options) {
		if e := o.FindServer(id); e != nil {
			if v, ok := cmd.Args["name"]; ok {
				e.Name = v
			}
			if v, ok := cmd.Args["port"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					e.Port = n
				}
			}
			if v, ok := cmd.Args["tlsMode"]; ok {
				e.TLSMode = v
			}
			found = true
		}
	})
	if !found {
		return nil, barerr.New(barerr.CodeServerIdNotFound, "server %d not found", id)
	}
	return nil, d.srv.Config.Flush()
}

func (d *dispatcher) cmdServerListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	found := false
	d.srv.Config.Update(func(o *config.Options) {
		for i, e := range o.Servers {
			if e.ID == id {
				o.Servers = append(o.Servers[:i], o.Servers[i+1:]...)
				found = true
				return
			}
		}
	})
	if !found {
		return nil, barerr.New(barerr.CodeServerIdNotFound, "server %d not found", id)
	}
	return nil, d.srv.Config.Flush()
}

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func splitList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// sizeWord renders a byte count human-readably for informational fields.
func sizeWord(n int64) string {
	return humanize.IBytes(uint64(n))
}
