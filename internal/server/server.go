package server

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/authz"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/pairing"
	"github.com/barkeep-io/barkeep/internal/persistence"
	"github.com/barkeep-io/barkeep/internal/protocol"
	"github.com/barkeep-io/barkeep/internal/scheduler"
	"github.com/barkeep-io/barkeep/internal/slaves"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// Deps bundles every collaborator the command handlers reach.
type Deps struct {
	Config    *config.Config
	List      *jobs.List
	Store     *config.Store
	Authz     *authz.Registry
	Pairing   *pairing.Coordinator
	Scheduler *scheduler.Scheduler
	Slaves    *slaves.Registry
	Persist   *persistence.Engine
	Index     *index.Index
	Agg       *index.AggregateCache
	Registry  *storage.Registry
	Archiver  storage.Archiver
	Pause     *jobs.PauseFlags
	Hub       *events.Hub
	Metrics   *metrics.Metrics
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Quit      *trigger.QuitFlag

	// RequestQuit asks the process to shut down (the quit command).
	RequestQuit func()

	// IndexUpdateTrigger wakes the storage update worker after commands
	// that enqueue refresh requests.
	IndexUpdateTrigger *trigger.Trigger
}

// UpdateTrigger signals the storage update worker, if wired.
func (s *Server) UpdateTrigger() {
	if s.IndexUpdateTrigger != nil {
		s.IndexUpdateTrigger.Signal()
	}
}

// Server accepts protocol connections and runs their sessions.
type Server struct {
	Deps
	log *zap.Logger

	sessionKey *protocol.SessionKey
	dispatcher *dispatcher

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New creates the server and its command table.
func New(d Deps) (*Server, error) {
	key, err := protocol.NewSessionKey()
	if err != nil {
		return nil, err
	}
	s := &Server{
		Deps:       d,
		log:        d.Logger.Named("server"),
		sessionKey: key,
		sessions:   make(map[*Session]struct{}),
	}
	s.dispatcher = newDispatcher(s)
	return s, nil
}

// Mode returns the configured server mode as a wire word.
func (s *Server) Mode() string {
	if s.Config.Get().Mode == config.ModeSlave {
		return protocol.WireModeSlave
	}
	return protocol.WireModeMaster
}

// ListenAndServe runs the plain and TLS listeners until quit. The TLS
// listener accepts TLS directly without startTLS.
func (s *Server) ListenAndServe() error {
	opts := s.Config.Get()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(opts.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.log.Info("listening", zap.Int("port", opts.Port), zap.String("mode", s.Mode()))

	var tlsLn net.Listener
	if opts.TLSPort != 0 {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			s.log.Warn("TLS listener disabled", zap.Error(err))
		} else {
			tlsLn, err = tls.Listen("tcp", ":"+strconv.Itoa(opts.TLSPort), tlsCfg)
			if err != nil {
				return fmt.Errorf("server: TLS listen: %w", err)
			}
			s.log.Info("TLS listening", zap.Int("port", opts.TLSPort))
		}
	}

	go s.purgeLoop()
	go func() {
		// Close the listeners when quit is requested so Accept unblocks.
		for !s.Quit.IsSet() {
			time.Sleep(time.Second)
		}
		ln.Close()
		if tlsLn != nil {
			tlsLn.Close()
		}
		s.DisconnectAll("server shutdown")
	}()

	if tlsLn != nil {
		go s.acceptLoop(tlsLn)
	}
	s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.Quit.IsSet() {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		count := len(s.sessions)
		s.mu.Unlock()
		if count >= s.Config.Get().MaxConnections {
			s.log.Warn("connection limit reached, rejecting",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		sess := newSession(s, conn, false)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		s.Metrics.ConnectedClients.Inc()

		go s.serveSession(sess)
	}
}

// RunBatch serves one batch (stdio) peer synchronously on the caller's
// goroutine. Batch peers start pre-authorized as Client.
func (s *Server) RunBatch(rw io.ReadWriter) {
	sess := newSession(s, nil, true)
	sess.r = newReader(rw)
	sess.w = newWriter(rw)
	sess.state = authClient

	s.greet(sess)
	for {
		line, err := sess.r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, perr := protocol.ParseCommand(trimEOL(line))
		if perr != nil {
			continue
		}
		// Batch clients execute synchronously on the dispatcher thread.
		s.dispatcher.execute(sess, cmd, nil)
	}
}

// serveSession runs one network session: greeting, read loop, worker pool.
func (s *Server) serveSession(sess *Session) {
	defer func() {
		sess.close()
		// The read loop is the only queue sender; closing it here drains the
		// worker pool. Wait before tearing the rest down so no worker writes
		// into a reaped session.
		close(sess.queue)
		sess.workers.Wait()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.Metrics.ConnectedClients.Dec()
		s.Authz.SessionClosed(sess.Name())
		s.abortClientJobs(sess)
		sess.log.Info("session closed", zap.String("state", sess.State().String()))
	}()

	sess.log.Info("session opened")
	s.greet(sess)

	// Apply the authorization back-off before serving this client.
	if penalty := s.Authz.Penalty(sess.Name()); penalty > 0 {
		sess.log.Warn("authorization penalty", zap.Duration("penalty", penalty))
		trigger.Delay(penalty, nil, s.Quit)
	}
	s.Authz.SessionOpened(sess.Name())

	// Start the worker pool.
	for i := 0; i < workerCount; i++ {
		sess.workers.Add(1)
		go s.sessionWorker(sess, i)
	}

	for {
		line, err := sess.r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, perr := protocol.ParseCommand(trimEOL(line))
		if perr != nil {
			sess.log.Debug("unparsable command line", zap.Error(perr))
			continue
		}

		if !s.dispatcher.admit(sess, cmd) {
			continue
		}
		if s.dispatcher.inline(cmd.Name) {
			// Session-control commands run on the read loop so state changes
			// (TLS upgrade, authorize) are ordered with respect to reads.
			s.dispatcher.execute(sess, cmd, nil)
			if sess.State() == authFail {
				return
			}
			continue
		}

		select {
		case sess.queue <- cmd:
		default:
			sess.sendFinal(cmd.ID, nil,
				errBusy("command queue full"))
		}
	}
}

// sessionWorker drains the session's command queue. Each worker holds its
// own index handle for the session's lifetime.
func (s *Server) sessionWorker(sess *Session, n int) {
	defer sess.workers.Done()

	if h, err := s.Index.Open(); err == nil {
		sess.mu.Lock()
		sess.workerHandles[n] = h
		sess.mu.Unlock()
		defer h.Close()
	}

	for cmd := range sess.queue {
		if sess.isAborted(cmd.ID) {
			sess.sendFinal(cmd.ID, nil, errAborted())
			continue
		}
		sess.mu.Lock()
		sess.workerCurrent[n] = cmd.ID
		h := sess.workerHandles[n]
		sess.mu.Unlock()

		s.dispatcher.execute(sess, cmd, h)

		sess.mu.Lock()
		sess.workerCurrent[n] = 0
		sess.mu.Unlock()
	}
}

// greet sends the unsolicited frame advertising mode, protocol version,
// and the RSA session key.
func (s *Server) greet(sess *Session) {
	sess.send(&protocol.Result{
		ID:       0,
		Complete: false,
		Fields: protocol.Fields{}.
			Add("name", "barkeep").
			Add("mode", s.Mode()).
			Add("major", protocol.VersionMajor).
			Add("minor", protocol.VersionMinor).
			Add("sessionKey", s.sessionKey.PublicKey()),
	})
}

// purgeLoop disconnects sessions that sit in Waiting past the auth grace
// to make room under the connection cap, and prunes the auth-fail history.
func (s *Server) purgeLoop() {
	for !s.Quit.IsSet() {
		cutoff := time.Now().Add(-authGrace)

		s.mu.Lock()
		var stale []*Session
		for sess := range s.sessions {
			sess.mu.Lock()
			if sess.state == authWaiting && sess.connectedAt.Before(cutoff) {
				stale = append(stale, sess)
			}
			sess.mu.Unlock()
		}
		s.mu.Unlock()

		for _, sess := range stale {
			sess.log.Info("disconnecting unauthorized session (timeout)")
			sess.close()
		}
		s.Authz.Prune()

		trigger.Delay(authGrace, nil, s.Quit)
	}
}

// DisconnectMasters implements pairing.MasterDisconnector.
func (s *Server) DisconnectMasters(reason string) {
	s.disconnectWhere(func(sess *Session) bool {
		return sess.State() == authMaster
	}, reason)
}

// DisconnectAll drops every session.
func (s *Server) DisconnectAll(reason string) {
	s.disconnectWhere(func(*Session) bool { return true }, reason)
}

func (s *Server) disconnectWhere(pred func(*Session) bool, reason string) {
	s.mu.Lock()
	var targets []*Session
	for sess := range s.sessions {
		if pred(sess) {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.log.Info("disconnecting session", zap.String("reason", reason))
		sess.close()
	}
}

// abortClientJobs aborts jobs started by a disconnecting client whose runs
// are still bound to its I/O.
func (s *Server) abortClientJobs(sess *Session) {
	name := sess.Name()
	if !s.List.Lock(jobs.LockTimeout) {
		return
	}
	defer s.List.Unlock()
	for _, j := range s.List.All() {
		if j.IsActive() && j.StartedBy == name {
			j.Abort(name)
		}
	}
	s.List.NotifyModified()
}

// tlsConfig loads the server certificate for startTLS and the TLS
// listener.
func (s *Server) tlsConfig() (*tls.Config, error) {
	opts := s.Config.Get()
	if opts.CertFile == "" {
		return nil, errNoTLSCert()
	}
	if opts.KeyFile == "" {
		return nil, errNoTLSKey()
	}
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
