package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

// authMask selects which session states may issue a command.
type authMask uint8

const (
	maskWaiting authMask = 1 << iota
	maskClient
	maskMaster

	maskAuthorized = maskClient | maskMaster
	maskAny        = maskWaiting | maskAuthorized
)

// handlerFunc executes one command. Streaming handlers emit rows through
// sess.sendRow; the returned fields go into the terminal frame.
type handlerFunc func(sess *Session, h *index.Handle, cmd *protocol.Command) (protocol.Fields, error)

// commandDef is one dispatch-table entry.
type commandDef struct {
	handler handlerFunc
	mask    authMask
	// inline commands run on the session read loop instead of the worker
	// pool (session-control and abort).
	inline bool
	// remote commands are forwarded to the slave connector when the target
	// job is remote and its connector is authorized.
	remote bool
}

// dispatcher routes parsed commands to their handlers under the
// authorization mask.
type dispatcher struct {
	srv      *Server
	log      *zap.Logger
	commands map[string]commandDef
}

func newDispatcher(srv *Server) *dispatcher {
	d := &dispatcher{
		srv:      srv,
		log:      srv.log.Named("dispatcher"),
		commands: make(map[string]commandDef),
	}
	d.registerSession()
	d.registerGlobal()
	d.registerPairing()
	d.registerFilesystem()
	d.registerJobs()
	d.registerSubLists()
	d.registerPasswords()
	d.registerIndex()
	d.registerBulk()
	return d
}

func (d *dispatcher) register(name string, mask authMask, h handlerFunc) {
	d.commands[name] = commandDef{handler: h, mask: mask}
}

func (d *dispatcher) registerInline(name string, mask authMask, h handlerFunc) {
	d.commands[name] = commandDef{handler: h, mask: mask, inline: true}
}

func (d *dispatcher) registerRemote(name string, mask authMask, h handlerFunc) {
	d.commands[name] = commandDef{handler: h, mask: mask, remote: true}
}

// inline reports whether the command runs on the read loop.
func (d *dispatcher) inline(name string) bool {
	def, ok := d.commands[name]
	return ok && def.inline
}

// admit checks the authorization mask. Unknown or unauthorized commands are
// answered immediately and not enqueued.
func (d *dispatcher) admit(sess *Session, cmd *protocol.Command) bool {
	def, ok := d.commands[cmd.Name]
	if !ok {
		sess.sendFinal(cmd.ID, nil,
			barerr.New(barerr.CodeUnknownValue, "unknown command %q", cmd.Name))
		return false
	}

	var bit authMask
	switch sess.State() {
	case authClient:
		bit = maskClient
	case authMaster:
		bit = maskMaster
	case authFail:
		return false
	default:
		bit = maskWaiting
	}
	if def.mask&bit == 0 {
		sess.sendFinal(cmd.ID, nil,
			barerr.New(barerr.CodeDatabaseAuthorization, "command %q not allowed", cmd.Name))
		return false
	}
	return true
}

// execute runs one admitted command to its terminal frame.
func (d *dispatcher) execute(sess *Session, cmd *protocol.Command, h *index.Handle) {
	def, ok := d.commands[cmd.Name]
	if !ok {
		sess.sendFinal(cmd.ID, nil,
			barerr.New(barerr.CodeUnknownValue, "unknown command %q", cmd.Name))
		return
	}
	if def.remote {
		if handled := d.forwardRemote(sess, cmd); handled {
			return
		}
	}

	fields, err := def.handler(sess, h, cmd)
	if err == errAlreadyAnswered {
		return
	}
	if err != nil {
		d.srv.Metrics.CommandsTotal.WithLabelValues("error").Inc()
	} else {
		d.srv.Metrics.CommandsTotal.WithLabelValues("ok").Inc()
	}
	if sess.isAborted(cmd.ID) && err == nil {
		err = errAborted()
	}
	sess.sendFinal(cmd.ID, fields, err)
}

// forwardRemote proxies a job-scoped command to the bound slave connector
// when the job is remote and the connector is authorized. Result frames are
// passed back to the caller unchanged apart from the local command id.
func (d *dispatcher) forwardRemote(sess *Session, cmd *protocol.Command) bool {
	if !d.srv.List.RLock(jobs.LockTimeout) {
		return false
	}
	j, err := jobByArg(d.srv.List, cmd.Args)
	remote := err == nil && j.IsRemote() && j.SlaveState == jobs.SlaveStatePaired
	d.srv.List.RUnlock()
	if !remote {
		return false
	}

	conn, err := d.srv.Slaves.Acquire(j)
	if err != nil {
		sess.sendFinal(cmd.ID, nil, err)
		return true
	}
	defer d.srv.Slaves.Release(j)

	final, err := conn.Execute(cmd.Name, cmd.Args, 5*time.Minute, func(row *protocol.Result) {
		sess.sendRow(cmd.ID, row.Fields)
	})
	if err != nil {
		sess.sendFinal(cmd.ID, nil, err)
		return true
	}
	sess.sendFinal(cmd.ID, final.Fields, nil)
	return true
}
