// Package slaves maintains the master-side view of remote slave servers:
// one connector per distinct (host, port, tlsMode) referenced by any remote
// job, with connect/authorize handling (no keep-alive traffic) and the per-iteration
// reconcile loop that derives each job's slave state.
package slaves

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

// authorizeTimeout bounds one authorize round-trip.
const authorizeTimeout = 30 * time.Second

// Address identifies one connector.
type Address struct {
	Host    string
	Port    int
	TLSMode jobs.TLSMode
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// TLSFiles carries the CA/cert/key paths from the global options.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Connector is one live protocol connection to a slave. Safe for concurrent
// Execute calls; results are demultiplexed by command id.
type Connector struct {
	Addr Address
	log  *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	w          *bufio.Writer
	connected  bool
	authorized bool
	shutdown   bool

	// Greeting fields captured on connect.
	peerMode   string
	peerMajor  int
	peerMinor  int
	sessionKey string

	nextID  uint64
	pending map[uint64]chan *protocol.Result

	readDone chan struct{}
}

// newConnector creates an idle connector for an address.
func newConnector(addr Address, logger *zap.Logger) *Connector {
	return &Connector{
		Addr:    addr,
		log:     logger.Named("connector").With(zap.String("slave", addr.String())),
		pending: make(map[uint64]chan *protocol.Result),
	}
}

// IsConnected reports whether the transport is up.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAuthorized reports whether the slave accepted our identity.
func (c *Connector) IsAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authorized
}

// RequestShutdown marks the connector for disconnect on the next reconcile
// iteration.
func (c *Connector) RequestShutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
}

// PeerInfo returns the mode and protocol version advertised by the slave.
func (c *Connector) PeerInfo() (mode string, major, minor int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMode, c.peerMajor, c.peerMinor
}

// Connect dials the slave and reads the greeting frame. TLS is applied
// according to the address's mode using the configured CA/cert/key.
func (c *Connector) Connect(files TLSFiles, timeout time.Duration) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", c.Addr.String(), timeout)
	if err != nil {
		return barerr.New(barerr.CodeConnectFail, "connect %s: %v", c.Addr, err)
	}

	if c.Addr.TLSMode != jobs.TLSModeNone {
		tlsConn, err := wrapTLS(conn, c.Addr.Host, files)
		if err != nil {
			conn.Close()
			if c.Addr.TLSMode == jobs.TLSModeForce {
				return err
			}
			// TRY mode falls back to plaintext.
			conn, err = net.DialTimeout("tcp", c.Addr.String(), timeout)
			if err != nil {
				return barerr.New(barerr.CodeConnectFail, "connect %s: %v", c.Addr, err)
			}
		} else {
			conn = tlsConn
		}
	}

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return barerr.New(barerr.CodeConnectFail, "greeting from %s: %v", c.Addr, err)
	}
	conn.SetReadDeadline(time.Time{})

	greeting, err := protocol.ParseResult(trimEOL(line))
	if err != nil {
		conn.Close()
		return fmt.Errorf("slaves: invalid greeting from %s: %w", c.Addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.connected = true
	c.authorized = false
	c.shutdown = false
	c.peerMode, _ = greeting.Get("mode")
	if v, ok := greeting.Get("major"); ok {
		c.peerMajor, _ = strconv.Atoi(v)
	}
	if v, ok := greeting.Get("minor"); ok {
		c.peerMinor, _ = strconv.Atoi(v)
	}
	c.sessionKey, _ = greeting.Get("sessionKey")
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(r)

	c.log.Debug("connected",
		zap.String("peer_mode", c.peerMode),
		zap.Int("peer_major", c.peerMajor),
	)
	return nil
}

func wrapTLS(conn net.Conn, serverName string, files TLSFiles) (net.Conn, error) {
	cfg := &tls.Config{ServerName: serverName}

	if files.CAFile != "" {
		pem, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("slaves: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("slaves: no certificates in CA file %s", files.CAFile)
		}
		cfg.RootCAs = pool
	}
	if files.CertFile != "" && files.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("slaves: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	tlsConn := tls.Client(conn, cfg)
	conn.SetDeadline(time.Now().Add(authorizeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return nil, barerr.New(barerr.CodeConnectFail, "TLS handshake: %v", err)
	}
	conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// readLoop demultiplexes result frames to their waiting commands.
func (c *Connector) readLoop(r *bufio.Reader) {
	defer c.teardown()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		res, err := protocol.ParseResult(trimEOL(line))
		if err != nil {
			c.log.Warn("unparsable result frame", zap.Error(err))
			continue
		}
		c.mu.Lock()
		ch := c.pending[res.ID]
		c.mu.Unlock()
		if ch != nil {
			ch <- res
		}
	}
}

// teardown closes the transport and fails all pending commands.
func (c *Connector) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	c.authorized = false
	pending := c.pending
	c.pending = make(map[uint64]chan *protocol.Result)
	done := c.readDone
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- &protocol.Result{
			ID:       id,
			Complete: true,
			Code:     barerr.CodeSlaveDisconnected,
			Fields:   protocol.Fields{}.Add("error", "slave disconnected"),
		}
	}
	if done != nil {
		close(done)
	}
}

// Disconnect tears the connection down.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Execute sends one command and streams result rows to onRow (which may be
// nil); it returns when the terminal frame arrives, the timeout expires, or
// the connection drops. The terminal frame's error code maps back to an
// error.
func (c *Connector) Execute(name string, args protocol.Args, timeout time.Duration, onRow func(*protocol.Result)) (*protocol.Result, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, barerr.New(barerr.CodeSlaveDisconnected, "slave %s not connected", c.Addr)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Result, 16)
	c.pending[id] = ch
	w := c.w

	cmd := &protocol.Command{ID: id, Name: name, Args: args}
	_, werr := w.WriteString(cmd.Format() + "\n")
	if werr == nil {
		werr = w.Flush()
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if werr != nil {
		return nil, barerr.New(barerr.CodeSlaveDisconnected, "send to %s: %v", c.Addr, werr)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case res := <-ch:
			if res.Complete {
				if res.Code != barerr.CodeNone {
					msg, _ := res.Get("error")
					return res, barerr.New(res.Code, "%s", msg)
				}
				return res, nil
			}
			if onRow != nil {
				onRow(res)
			}
		case <-deadline:
			return nil, barerr.New(barerr.CodeConnectFail, "command %s to %s timed out", name, c.Addr)
		}
	}
}

// Authorize presents the master identity to the slave: the master UUID is
// encrypted against the slave's advertised session key.
func (c *Connector) Authorize(masterName, masterUUID string) error {
	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	encryptType := protocol.EncryptRSA
	if key == "" {
		encryptType = protocol.EncryptNone
	}
	encrypted, err := protocol.Encrypt(key, encryptType, masterUUID)
	if err != nil {
		return err
	}

	_, err = c.Execute("authorize", protocol.Args{
		"encryptType":   encryptType,
		"name":          masterName,
		"encryptedUUID": encrypted,
	}, authorizeTimeout, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()
	return nil
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
