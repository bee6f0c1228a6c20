package guiserver

import (
	"bufio"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/European-XFEL/Karabo-sub006/hash"
)

// frameConn abstracts the TCP and websocket carriers: both move whole
// frames.
type frameConn interface {
	ReadFrame() (*hash.Hash, error)
	WriteFrame(h *hash.Hash) (int, error)
	Close() error
	RemoteAddr() string
}

type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, r: bufio.NewReader(conn)}
}

func (t *tcpConn) ReadFrame() (*hash.Hash, error) {
	return ReadFrame(t.r)
}

func (t *tcpConn) WriteFrame(h *hash.Hash) (int, error) {
	return WriteFrame(t.conn, h)
}

func (t *tcpConn) Close() error {
	return t.conn.Close()
}

func (t *tcpConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// sessionState is the per-connection login state.
type sessionState int

const (
	stateNone sessionState = iota
	stateLogged
	stateTemporary
)

func (s sessionState) String() string {
	switch s {
	case stateLogged:
		return "logged"
	case stateTemporary:
		return "temporary-session"
	default:
		return "none"
	}
}

// session carries everything the timer tick and policy checks need.
type session struct {
	state           sessionState
	username        string
	accessLevel     int32
	readOnly        bool
	clientVersion   string
	applicationMode bool
	clientID        string

	loginTime  time.Time
	noticeSent bool

	tempStart       time.Time
	tempNoticeSent  bool
	levelBefore     int32
	temporaryUserID string
}

// client is one GUI connection.
type client struct {
	server *Server
	conn   frameConn
	addr   string
	log    *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	sess       session
	monitored  map[string]bool
	pending    map[string]*hash.Hash
	bannerSent bool

	bytesWritten atomic.Int64
	sampleBytes  atomic.Int64
	lastByteRate atomic.Int64
}

func newClient(server *Server, conn frameConn) *client {
	addr := conn.RemoteAddr()
	return &client{
		server:    server,
		conn:      conn,
		addr:      addr,
		log:       server.log.With("client", addr),
		done:      make(chan struct{}),
		monitored: make(map[string]bool),
		pending:   make(map[string]*hash.Hash),
	}
}

// send writes one frame; write failures tear the connection down.
func (c *client) send(h *hash.Hash) {
	c.writeMu.Lock()
	n, err := c.conn.WriteFrame(h)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("write failed, dropping client", "error", err)
		c.server.dropClient(c)
		return
	}
	c.bytesWritten.Add(int64(n))
	c.sampleBytes.Add(int64(n))
	if m := c.server.proc.Metrics; m != nil {
		m.BytesWritten.WithLabelValues(c.addr).Add(float64(n))
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) state() sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.state
}

// queueDelta merges a device change into the client's pending batch.
func (c *client) queueDelta(deviceID string, delta *hash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.monitored[deviceID] {
		return
	}
	p, ok := c.pending[deviceID]
	if !ok {
		p = hash.New()
		c.pending[deviceID] = p
	}
	p.Merge(delta, hash.MergeMergeAttributes)
}

// takePending swaps out the pending deltas for one flush.
func (c *client) takePending() map[string]*hash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = make(map[string]*hash.Hash)
	return out
}

// debugInfo summarizes the connection for slotDumpDebugInfo.
func (c *client) debugInfo() *hash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]string, 0, len(c.monitored))
	for id := range c.monitored {
		devices = append(devices, id)
	}
	return hash.New(
		"state", c.sess.state.String(),
		"username", c.sess.username,
		"clientVersion", c.sess.clientVersion,
		"monitoredDevices", devices,
		"bytesWritten", c.bytesWritten.Load(),
	)
}

// compareVersions orders dotted numeric versions; non-numeric segments
// compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func secondsLeft(start time.Time, max time.Duration, now time.Time) time.Duration {
	return start.Add(max).Sub(now)
}

func fmtSeconds(d time.Duration) int32 {
	s := int32(d / time.Second)
	if s < 0 {
		return 0
	}
	return s
}
