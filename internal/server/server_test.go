package server

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/authz"
	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/pairing"
	"github.com/barkeep-io/barkeep/internal/protocol"
	"github.com/barkeep-io/barkeep/internal/scheduler"
	"github.com/barkeep-io/barkeep/internal/slaves"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// testClient drives one protocol session over an in-memory pipe.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	r      *bufio.Reader
	nextID uint64
}

func newTestServer(t *testing.T) (*Server, *testClient) {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "barkeep.yaml"))
	require.NoError(t, err)

	hash, err := authz.HashPassword("letmein")
	require.NoError(t, err)
	cfg.Update(func(o *config.Options) {
		o.PasswordHash = hash
		o.JobsDirectory = filepath.Join(dir, "jobs")
	})

	clock := clockwork.NewRealClock()
	list := jobs.NewList()
	store := config.NewStore(cfg.Get().JobsDirectory, zap.NewNop())
	hub := events.NewHub()
	done := make(chan struct{})
	go hub.Run(done)
	t.Cleanup(func() { close(done) })

	quit := &trigger.QuitFlag{}
	t.Cleanup(quit.Set)

	srv, err := New(Deps{
		Config:    cfg,
		List:      list,
		Store:     store,
		Authz:     authz.New(clock, zap.NewNop()),
		Scheduler: scheduler.New(list, store, nil, clock, zap.NewNop()),
		Slaves:    slaves.NewRegistry(list, cfg, zap.NewNop()),
		Registry:  storage.NewRegistry(),
		Archiver:  &storage.TarArchiver{Registry: storage.NewRegistry()},
		Pause:     &jobs.PauseFlags{},
		Hub:       hub,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Clock:     clock,
		Logger:    zap.NewNop(),
		Quit:      quit,
	})
	require.NoError(t, err)
	srv.Pairing = pairing.New(cfg, srv, clock, zap.NewNop())

	clientConn, serverConn := net.Pipe()
	sess := newSession(srv, serverConn, false)
	srv.mu.Lock()
	srv.sessions[sess] = struct{}{}
	srv.mu.Unlock()
	srv.Metrics.ConnectedClients.Inc()
	go srv.serveSession(sess)

	c := &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
	t.Cleanup(func() { clientConn.Close() })

	// Swallow the greeting frame.
	greeting := c.readFrame()
	require.EqualValues(t, 0, greeting.ID)
	mode, _ := greeting.Get("mode")
	require.Equal(t, protocol.WireModeMaster, mode)

	return srv, c
}

func (c *testClient) send(name string, args protocol.Args) uint64 {
	c.t.Helper()
	c.nextID++
	cmd := &protocol.Command{ID: c.nextID, Name: name, Args: args}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(cmd.Format() + "\n"))
	require.NoError(c.t, err)
	return c.nextID
}

func (c *testClient) readFrame() *protocol.Result {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	res, err := protocol.ParseResult(trimEOL(line))
	require.NoError(c.t, err)
	return res
}

// call sends a command and collects frames until the terminal one.
func (c *testClient) call(name string, args protocol.Args) (rows []*protocol.Result, final *protocol.Result) {
	c.t.Helper()
	id := c.send(name, args)
	for {
		res := c.readFrame()
		if res.ID != id {
			continue
		}
		if res.Complete {
			return rows, res
		}
		rows = append(rows, res)
	}
}

func (c *testClient) authorize(password string) *protocol.Result {
	c.t.Helper()
	enc, err := protocol.Encrypt("", protocol.EncryptNone, password)
	require.NoError(c.t, err)
	_, final := c.call("authorize", protocol.Args{
		"encryptType":       protocol.EncryptNone,
		"encryptedPassword": enc,
	})
	return final
}

func TestAuthorizeWithPassword(t *testing.T) {
	_, c := newTestServer(t)

	final := c.authorize("letmein")
	assert.Equal(t, barerr.CodeNone, final.Code)

	_, final = c.call("version", nil)
	assert.Equal(t, barerr.CodeNone, final.Code)
	major, _ := final.Get("major")
	assert.Equal(t, "8", major)
}

func TestCommandRefusedBeforeAuthorize(t *testing.T) {
	_, c := newTestServer(t)

	_, final := c.call("jobList", nil)
	assert.Equal(t, barerr.CodeDatabaseAuthorization, final.Code)
}

func TestFailedAuthorizeDisconnects(t *testing.T) {
	_, c := newTestServer(t)

	final := c.authorize("wrong")
	assert.Equal(t, barerr.CodeInvalidPassword, final.Code)

	// The dispatch loop drops failed sessions immediately.
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, c := newTestServer(t)
	c.authorize("letmein")

	_, final := c.call("frobnicate", nil)
	assert.Equal(t, barerr.CodeUnknownValue, final.Code)
}

func TestJobLifecycleOverProtocol(t *testing.T) {
	_, c := newTestServer(t)
	c.authorize("letmein")

	_, final := c.call("jobNew", protocol.Args{"name": "nightly"})
	require.Equal(t, barerr.CodeNone, final.Code)
	jobUUID, ok := final.Get("jobUUID")
	require.True(t, ok)

	// Duplicate names are refused.
	_, final = c.call("jobNew", protocol.Args{"name": "nightly"})
	assert.Equal(t, barerr.CodeJobAlreadyExists, final.Code)

	// jobOptionSet then jobOptionGet returns the value (round-trip).
	_, final = c.call("jobOptionSet", protocol.Args{
		"jobUUID": jobUUID, "name": "archive-name", "value": "/backups/nightly-%type.bar",
	})
	require.Equal(t, barerr.CodeNone, final.Code)

	_, final = c.call("jobOptionGet", protocol.Args{"jobUUID": jobUUID, "name": "archive-name"})
	require.Equal(t, barerr.CodeNone, final.Code)
	v, _ := final.Get("value")
	assert.Equal(t, "/backups/nightly-%type.bar", v)

	// The job shows up in jobList.
	rows, final := c.call("jobList", nil)
	require.Equal(t, barerr.CodeNone, final.Code)
	require.Len(t, rows, 1)
	name, _ := rows[0].Get("name")
	assert.Equal(t, "nightly", name)

	// Sub-list round trip.
	_, final = c.call("includeListAdd", protocol.Args{"jobUUID": jobUUID, "pattern": "/home"})
	require.Equal(t, barerr.CodeNone, final.Code)
	rows, final = c.call("includeList", protocol.Args{"jobUUID": jobUUID})
	require.Equal(t, barerr.CodeNone, final.Code)
	require.Len(t, rows, 1)
	pattern, _ := rows[0].Get("pattern")
	assert.Equal(t, "/home", pattern)

	// persistenceListAdd twice with the same rule returns the same id.
	_, final = c.call("persistenceListAdd", protocol.Args{
		"jobUUID": jobUUID, "archiveType": "FULL",
		"minKeep": "2", "maxKeep": "4", "maxAge": "forever",
	})
	require.Equal(t, barerr.CodeNone, final.Code)
	id1, _ := final.Get("id")
	_, final = c.call("persistenceListAdd", protocol.Args{
		"jobUUID": jobUUID, "archiveType": "FULL",
		"minKeep": "2", "maxKeep": "4", "maxAge": "forever",
	})
	require.Equal(t, barerr.CodeNone, final.Code)
	id2, _ := final.Get("id")
	assert.Equal(t, id1, id2)

	// Delete refuses while the job is active.
	_, final = c.call("jobStart", protocol.Args{"jobUUID": jobUUID, "archiveType": "FULL"})
	require.Equal(t, barerr.CodeNone, final.Code)
	_, final = c.call("jobDelete", protocol.Args{"jobUUID": jobUUID})
	assert.Equal(t, barerr.CodeJobRunning, final.Code)

	_, final = c.call("jobAbort", protocol.Args{"jobUUID": jobUUID})
	require.Equal(t, barerr.CodeNone, final.Code)
	_, final = c.call("jobDelete", protocol.Args{"jobUUID": jobUUID})
	assert.Equal(t, barerr.CodeNone, final.Code)
}

func TestIndexCommandsWithoutIndex(t *testing.T) {
	_, c := newTestServer(t)
	c.authorize("letmein")

	_, final := c.call("indexUUIDList", nil)
	assert.Equal(t, barerr.CodeDatabaseIndexNotFound, final.Code)
}

func TestStatusAndPause(t *testing.T) {
	srv, c := newTestServer(t)
	c.authorize("letmein")

	_, final := c.call("pause", protocol.Args{"time": "60", "modeMask": "CREATE,STORAGE"})
	require.Equal(t, barerr.CodeNone, final.Code)
	assert.True(t, srv.Pause.IsCreatePaused())

	_, final = c.call("status", nil)
	require.Equal(t, barerr.CodeNone, final.Code)
	state, _ := final.Get("state")
	assert.Equal(t, "paused", state)
	pc, _ := final.Get("pauseCreate")
	assert.Equal(t, "yes", pc)

	_, final = c.call("continue", nil)
	require.Equal(t, barerr.CodeNone, final.Code)
	assert.False(t, srv.Pause.IsCreatePaused())
}

func TestErrorInfo(t *testing.T) {
	_, c := newTestServer(t)
	c.authorize("letmein")

	_, final := c.call("errorInfo", protocol.Args{"error": "70"})
	require.Equal(t, barerr.CodeNone, final.Code)
	text, _ := final.Get("errorText")
	assert.Equal(t, "not paired", text)
}
