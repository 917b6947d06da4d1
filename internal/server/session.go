// Package server owns the client-facing side of the daemon: the network
// listener, the per-connection sessions with their worker pools, and the
// command dispatcher with its ~125 handlers.
package server

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

// authState is the session's authorization state.
type authState int

const (
	authWaiting authState = iota
	authClient
	authMaster
	authFail
)

func (s authState) String() string {
	switch s {
	case authClient:
		return "CLIENT"
	case authMaster:
		return "MASTER"
	case authFail:
		return "FAIL"
	default:
		return "WAITING"
	}
}

const (
	// workerCount is the per-session worker pool size.
	workerCount = 3
	// queueSize bounds the per-session command queue.
	queueSize = 32
	// abortRingSize bounds the remembered aborted command ids.
	abortRingSize = 64
	// authGrace disconnects sessions that have not authorized in time.
	authGrace = 60 * time.Second
)

// selections is the per-session transient state mutated by the include/
// exclude/password commands and consumed by restore and storage commands.
type selections struct {
	includes         []string
	excludes         []string
	jobOptions       map[string]string
	directoryInfo    map[string]directoryInfo
	selectedIndexIDs []string
	selectedEntryIDs []string

	decryptPasswords []string
	ftpPassword      string
	sshPassword      string
	webdavPassword   string
	cryptPassword    string
}

// directoryInfo caches one directoryInfo computation.
type directoryInfo struct {
	fileCount int64
	totalSize int64
	timedOut  bool
}

// Session is one connected protocol peer: a network client, a master (on a
// slave), or the batch stdio peer.
type Session struct {
	srv *Server
	log *zap.Logger

	conn  net.Conn
	r     *bufio.Reader
	wmu   sync.Mutex
	w     *bufio.Writer
	batch bool

	mu          sync.Mutex
	state       authState
	name        string // client name from authorize, remote address before that
	connectedAt time.Time
	closed      bool

	sel selections

	queue   chan *protocol.Command
	workers sync.WaitGroup
	// workerHandles holds each worker's open index handle so abort can
	// interrupt the one executing the target command.
	workerHandles [workerCount]*index.Handle
	workerCurrent [workerCount]uint64

	abortMu   sync.Mutex
	abortRing [abortRingSize]uint64
	abortNext int

	// actionWaiters maps command ids awaiting an actionResult reply.
	actionMu      sync.Mutex
	actionWaiters map[uint64]chan protocol.Args
}

// newSession wraps an accepted connection.
func newSession(srv *Server, conn net.Conn, batch bool) *Session {
	s := &Session{
		srv:           srv,
		conn:          conn,
		r:             bufio.NewReader(conn),
		w:             bufio.NewWriter(conn),
		batch:         batch,
		state:         authWaiting,
		connectedAt:   time.Now(),
		queue:         make(chan *protocol.Command, queueSize),
		actionWaiters: make(map[uint64]chan protocol.Args),
	}
	if conn != nil {
		s.name = conn.RemoteAddr().String()
	} else {
		s.name = "batch"
	}
	s.log = srv.log.Named("session").With(zap.String("client", s.name))
	s.sel.jobOptions = make(map[string]string)
	s.sel.directoryInfo = make(map[string]directoryInfo)
	return s
}

// State returns the authorization state.
func (s *Session) State() authState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the client name used by the authorization registry.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// setAuthorized transitions the session after a successful authorize.
func (s *Session) setAuthorized(state authState, name string) {
	s.mu.Lock()
	s.state = state
	if name != "" {
		s.name = name
	}
	s.mu.Unlock()
}

// send writes one result frame. Safe for concurrent use by the workers.
func (s *Session) send(res *protocol.Result) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	}
	s.w.WriteString(res.Format() + "\n")
	s.w.Flush()
}

// sendRow streams one non-terminal row for a command.
func (s *Session) sendRow(id uint64, fields protocol.Fields) {
	s.send(&protocol.Result{ID: id, Complete: false, Code: barerr.CodeNone, Fields: fields})
}

// sendFinal writes the terminal frame for a command.
func (s *Session) sendFinal(id uint64, fields protocol.Fields, err error) {
	res := &protocol.Result{ID: id, Complete: true, Fields: fields}
	if err != nil {
		be := barerr.Wrap(err)
		res.Code = be.Code
		res.Fields = protocol.Fields{}.Add("error", be.Message)
	}
	s.send(res)
}

// recordAbort remembers an aborted command id.
func (s *Session) recordAbort(id uint64) {
	s.abortMu.Lock()
	s.abortRing[s.abortNext] = id
	s.abortNext = (s.abortNext + 1) % abortRingSize
	s.abortMu.Unlock()
}

// isAborted reports whether the command id was aborted.
func (s *Session) isAborted(id uint64) bool {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	for _, a := range s.abortRing {
		if a != 0 && a == id {
			return true
		}
	}
	return false
}

// interruptCommand cancels the index query of the worker executing id.
func (s *Session) interruptCommand(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < workerCount; i++ {
		if s.workerCurrent[i] == id && s.workerHandles[i] != nil {
			s.workerHandles[i].Interrupt()
		}
	}
}

// waitAction registers a waiter for a server-initiated prompt reply.
func (s *Session) waitAction(id uint64) chan protocol.Args {
	ch := make(chan protocol.Args, 1)
	s.actionMu.Lock()
	s.actionWaiters[id] = ch
	s.actionMu.Unlock()
	return ch
}

// deliverAction routes an actionResult to its waiter.
func (s *Session) deliverAction(id uint64, args protocol.Args) bool {
	s.actionMu.Lock()
	ch, ok := s.actionWaiters[id]
	delete(s.actionWaiters, id)
	s.actionMu.Unlock()
	if ok {
		ch <- args
	}
	return ok
}

// close tears the session down. Running commands observe the closed flag
// and unwind; remote jobs started by this session are aborted by the
// server's disconnect hook. The command queue is closed by the read loop
// when it exits — it is the only sender.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
}

// isClosed reports whether the session was torn down.
func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// upgradeTLS replaces the transport with a server-side TLS connection.
func (s *Session) upgradeTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(s.conn, cfg)
	s.conn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		return barerr.New(barerr.CodeConnectFail, "TLS handshake failed: %v", err)
	}
	s.conn.SetDeadline(time.Time{})

	s.wmu.Lock()
	s.conn = tlsConn
	s.r = bufio.NewReader(tlsConn)
	s.w = bufio.NewWriter(tlsConn)
	s.wmu.Unlock()
	return nil
}

// jobByArg resolves the job referenced by jobUUID (or name=) in a command.
// Caller must hold the job-list lock.
func jobByArg(list *jobs.List, args protocol.Args) (*jobs.Job, error) {
	if id := args.UUIDDefault("jobUUID"); id != (uuid.UUID{}) {
		if j := list.Find(id); j != nil {
			return j, nil
		}
		return nil, barerr.New(barerr.CodeJobNotFound, "job %s not found", id)
	}
	if name, ok := args["name"]; ok {
		if j := list.FindByName(name); j != nil {
			return j, nil
		}
		return nil, barerr.New(barerr.CodeJobNotFound, "job %q not found", name)
	}
	return nil, barerr.New(barerr.CodeExpectedParameter, "expected parameter jobUUID")
}
