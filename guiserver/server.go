package guiserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/pkg/worker"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

// Gateway broker slots. slotDeviceChanged is the landing point for every
// signalChanged subscription; slotNetworkData receives pipeline chunks.
const (
	SlotDeviceChanged    = "slotDeviceChanged"
	SlotNetworkData      = "slotNetworkData"
	SlotNotify           = "slotNotify"
	SlotBroadcast        = "slotBroadcast"
	SlotDisconnectClient = "slotDisconnectClient"
	SlotDumpDebugInfo    = "slotDumpDebugInfo"
)

// classID the gateway announces on the broker.
const ClassID = "GuiServerDevice"

// preLoginAllowed are the message types served before a login succeeds.
var preLoginAllowed = map[string]bool{
	"login":                 true,
	"beginTemporarySession": true,
	"endTemporarySession":   true,
	"getGuiSessionInfo":     true,
	"error":                 true,
}

// mutatingTypes are refused on a read-only interface.
var mutatingTypes = map[string]bool{
	"execute":     true,
	"reconfigure": true,
}

// monitor is the ref-counted signalChanged subscription for one device.
type monitor struct {
	refs int
}

// Server is the gateway: a broker device plus a framed TCP (and
// optionally websocket) front for GUI clients.
type Server struct {
	dev  *device.Device
	proc *device.ProcessContext
	log  *slog.Logger
	auth Authenticator

	listener net.Listener
	wsServer *http.Server
	tick     time.Duration
	devOpts  []device.Option

	showPool *worker.Pool[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	clients  map[string]*client
	monitors map[string]*monitor
	channels map[string]*channelState

	bannerMsg, bannerFg, bannerBg string
}

// Option adjusts server construction.
type Option func(*Server)

// WithAuthenticator overrides the auth collaborator built from the
// authServer property.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithListener supplies a pre-bound listener instead of the port
// property.
func WithListener(l net.Listener) Option {
	return func(s *Server) { s.listener = l }
}

// WithSessionTick changes the coarse session-timer resolution.
func WithSessionTick(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithDeviceOptions forwards options to the underlying broker device.
func WithDeviceOptions(opts ...device.Option) Option {
	return func(s *Server) { s.devOpts = append(s.devOpts, opts...) }
}

func gatewayDescriptors() []*schema.Descriptor {
	return []*schema.Descriptor{
		{Key: "port", ValueType: hash.TypeUint32, Access: schema.InitOnly, Default: uint32(44444)},
		{Key: "timeout", ValueType: hash.TypeInt32, Access: schema.Reconfigurable, Default: int32(5), MinInc: int32(1)},
		{Key: "minClientVersion", ValueType: hash.TypeString, Access: schema.Reconfigurable, Default: ""},
		{Key: "propertyUpdateInterval", ValueType: hash.TypeInt32, Access: schema.Reconfigurable, Default: int32(500), MinInc: int32(20)},
		{Key: "ignoreTimeoutClasses", ValueType: hash.TypeVectorString, Access: schema.Reconfigurable, Default: []string{}},
		{Key: "authServer", ValueType: hash.TypeString, Access: schema.InitOnly, Default: ""},
		{Key: "maxSessionDuration", ValueType: hash.TypeInt32, Access: schema.InitOnly, Default: int32(0)},
		{Key: "endSessionNoticeTime", ValueType: hash.TypeInt32, Access: schema.InitOnly, Default: int32(300)},
		{Key: "maxTemporarySessionTime", ValueType: hash.TypeInt32, Access: schema.InitOnly, Default: int32(0)},
		{Key: "endTemporarySessionNoticeTime", ValueType: hash.TypeInt32, Access: schema.InitOnly, Default: int32(60)},
		{Key: "onlyAppModeClients", ValueType: hash.TypeBool, Access: schema.Reconfigurable, Default: false},
		{Key: "readOnly", ValueType: hash.TypeBool, Access: schema.InitOnly, Default: false},
		{Key: "bannerData", ValueType: hash.TypeVectorString, Access: schema.ReadOnly, Default: []string{}},
		{Key: "connectedClientCount", ValueType: hash.TypeUint32, Access: schema.ReadOnly, Default: uint32(0)},
		{
			Key: "networkPerformance", NodeType: schema.Node,
			Children: []*schema.Descriptor{
				{Key: "sampleInterval", ValueType: hash.TypeInt32, Access: schema.Reconfigurable, Default: int32(0), MinInc: int32(0)},
			},
		},
	}
}

// New builds the gateway device and wires its broker slots. Start must
// be called before clients can connect.
func New(proc *device.ProcessContext, deviceID string, config *hash.Hash, opts ...Option) (*Server, error) {
	s := &Server{
		proc:     proc,
		log:      proc.Logger.With("component", "guiserver", "deviceId", deviceID),
		tick:     time.Second,
		clients:  make(map[string]*client),
		monitors: make(map[string]*monitor),
		channels: make(map[string]*channelState),
	}
	for _, opt := range opts {
		opt(s)
	}
	dev, err := device.New(proc, ClassID, deviceID, gatewayDescriptors(), config, s.devOpts...)
	if err != nil {
		return nil, err
	}
	s.dev = dev
	if s.auth == nil {
		if url := s.propString("authServer"); url != "" {
			s.auth = NewHTTPAuthenticator(url)
		}
	}

	// a single worker serializes pipeline shows; the bounded queue is
	// the per-chunk back-pressure toward producers
	pool, err := worker.NewPool[string](1, 256, s.showChannel)
	if err != nil {
		return nil, err
	}
	s.showPool = pool

	dev.RegisterSlot(SlotDeviceChanged, s.slotDeviceChanged)
	dev.RegisterSlot(SlotNetworkData, s.slotNetworkData)
	dev.RegisterSlot(SlotNotify, s.slotNotify)
	dev.RegisterSlot(SlotBroadcast, s.slotBroadcast)
	dev.RegisterSlot(SlotDisconnectClient, s.slotDisconnectClient)
	dev.RegisterSlot(SlotDumpDebugInfo, s.slotDumpDebugInfo)

	proc.Topology.OnChange(s.onTopologyEvent)
	return s, nil
}

// Device exposes the gateway's broker identity.
func (s *Server) Device() *device.Device { return s.dev }

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start announces the gateway on the broker, binds the listener and
// launches the accept, flush and session-timer loops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.dev.Start(ctx); err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.showPool.Start(s.ctx); err != nil {
		return err
	}
	if s.listener == nil {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.propUint("port")))
		if err != nil {
			s.cancel()
			return err
		}
		s.listener = l
	}

	// populate the topology before the first client asks for it
	_ = s.dev.CallNoWait(ctx, broker.Broadcast, device.SlotDiscover, s.dev.InstanceID())

	s.wg.Add(4)
	go s.acceptLoop()
	go s.flushLoop()
	go s.sessionLoop()
	go s.sampleLoop()
	s.log.Info("gui server listening", "addr", s.listener.Addr().String())
	return nil
}

// Stop tears down every client, the listener and the broker identity.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.stopWebsocket()
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.dropClient(c)
	}
	s.wg.Wait()
	_ = s.showPool.Stop(time.Second)
	return s.dev.Kill(ctx)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.addClient(newClient(s, newTCPConn(conn)))
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c.addr] = c
	n := len(s.clients)
	s.mu.Unlock()
	_ = s.dev.Set("connectedClientCount", uint32(n))
	if m := s.proc.Metrics; m != nil {
		m.ConnectedClients.Set(float64(n))
	}
	c.log.Info("client connected")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveClient(c)
	}()
}

func (s *Server) serveClient(c *client) {
	defer s.dropClient(c)
	for {
		msg, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("read failed", "error", err)
			}
			return
		}
		s.dispatch(c, msg)
	}
}

// dropClient unregisters the connection and releases everything it held:
// monitors, channel subscriptions, the socket.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.addr]; !ok {
		s.mu.Unlock()
		c.close()
		return
	}
	delete(s.clients, c.addr)
	n := len(s.clients)
	s.mu.Unlock()

	c.close()
	s.releaseMonitors(c)
	s.unsubscribeAll(c)
	_ = s.dev.Set("connectedClientCount", uint32(n))
	if m := s.proc.Metrics; m != nil {
		m.ConnectedClients.Set(float64(n))
	}
	c.log.Info("client disconnected")
}

func (s *Server) clientList() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) dispatch(c *client, msg *hash.Hash) {
	t, err := messageType(msg)
	if err != nil {
		c.send(notification("message without type"))
		return
	}
	if c.state() == stateNone && !preLoginAllowed[t] {
		c.send(notification(fmt.Sprintf("Action '%s' refused before log in", t)))
		return
	}
	if s.propBool("readOnly") && mutatingTypes[t] {
		c.send(notification(fmt.Sprintf("Action '%s' refused on a read-only interface", t)))
		return
	}

	switch t {
	case "login":
		s.onLogin(c, msg)
	case "beginTemporarySession":
		s.onBeginTemporarySession(c, msg)
	case "endTemporarySession":
		s.onEndTemporarySession(c)
	case "getGuiSessionInfo":
		s.onGetGuiSessionInfo(c)
	case "startMonitoringDevice":
		s.onStartMonitoring(c, msg)
	case "stopMonitoringDevice":
		s.onStopMonitoring(c, msg)
	case "getDeviceConfiguration":
		go s.onGetDeviceConfiguration(c, msg)
	case "getDeviceSchema":
		go s.onGetDeviceSchema(c, msg)
	case "getClassSchema":
		go s.onGetClassSchema(c, msg)
	case "execute":
		go s.onExecute(c, msg)
	case "reconfigure":
		go s.onReconfigure(c, msg)
	case "requestGeneric":
		go s.onRequestGeneric(c, msg)
	case "subscribeNetwork":
		s.onSubscribeNetwork(c, msg)
	case "error":
		c.log.Warn("client reported error", "detail", msg.GetStringDefault("traceback", ""))
	default:
		c.log.Warn("unknown message type", "type", t)
		c.send(notification(fmt.Sprintf("unknown message type '%s'", t)))
	}
}

// flushLoop drains the per-client pending deltas every
// propertyUpdateInterval milliseconds.
func (s *Server) flushLoop() {
	defer s.wg.Done()
	for {
		interval := time.Duration(s.propInt("propertyUpdateInterval")) * time.Millisecond
		if interval <= 0 {
			interval = 500 * time.Millisecond
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
		}
		for _, c := range s.clientList() {
			batch := c.takePending()
			if batch == nil {
				continue
			}
			configurations := hash.New()
			for deviceID, delta := range batch {
				_ = configurations.Set(deviceID, delta)
			}
			c.send(hash.New("type", "deviceConfigurations", "configurations", configurations))
		}
	}
}

// sessionLoop is the single coarse tick driving every session timer.
func (s *Server) sessionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for _, c := range s.clientList() {
				s.tickSession(c, now)
			}
		}
	}
}

func (s *Server) tickSession(c *client, now time.Time) {
	maxSess := time.Duration(s.propInt("maxSessionDuration")) * time.Second
	noticeSess := time.Duration(s.propInt("endSessionNoticeTime")) * time.Second
	maxTemp := time.Duration(s.propInt("maxTemporarySessionTime")) * time.Second
	noticeTemp := time.Duration(s.propInt("endTemporarySessionNoticeTime")) * time.Second

	var frames []*hash.Hash
	c.mu.Lock()
	if c.sess.state == stateTemporary && maxTemp > 0 {
		rem := secondsLeft(c.sess.tempStart, maxTemp, now)
		switch {
		case rem <= 0:
			level := c.sess.levelBefore
			c.sess.state = stateLogged
			c.sess.accessLevel = level
			c.sess.tempNoticeSent = false
			frames = append(frames, hash.New(
				"type", "onTemporarySessionExpired",
				"expirationTime", now.UTC().Format(time.RFC3339),
				"levelBeforeTemporarySession", level,
			))
		case rem <= noticeTemp && !c.sess.tempNoticeSent:
			c.sess.tempNoticeSent = true
			frames = append(frames, hash.New(
				"type", "onEndTemporarySessionNotice",
				"secondsToExpiration", fmtSeconds(rem),
			))
		}
	}
	if c.sess.state != stateNone && maxSess > 0 {
		rem := secondsLeft(c.sess.loginTime, maxSess, now)
		switch {
		case rem <= 0:
			c.sess = session{
				clientVersion:   c.sess.clientVersion,
				applicationMode: c.sess.applicationMode,
				clientID:        c.sess.clientID,
			}
			frames = append(frames, hash.New(
				"type", "onSessionExpired",
				"expirationTime", now.UTC().Format(time.RFC3339),
			))
		case rem <= noticeSess && !c.sess.noticeSent:
			c.sess.noticeSent = true
			frames = append(frames, hash.New(
				"type", "onEndSessionNotice",
				"secondsToExpiration", fmtSeconds(rem),
			))
		}
	}
	expired := c.sess.state == stateNone
	c.mu.Unlock()

	for _, f := range frames {
		c.send(f)
	}
	if expired && len(frames) > 0 {
		s.releaseMonitors(c)
	}
}

// inNoticeWindow reports whether the login session is close enough to
// expiry that stacking a temporary session on it is refused.
func (s *Server) inNoticeWindow(c *client, now time.Time) bool {
	maxSess := time.Duration(s.propInt("maxSessionDuration")) * time.Second
	if maxSess <= 0 {
		return false
	}
	notice := time.Duration(s.propInt("endSessionNoticeTime")) * time.Second
	c.mu.Lock()
	defer c.mu.Unlock()
	return secondsLeft(c.sess.loginTime, maxSess, now) <= notice
}

func (s *Server) onTopologyEvent(ev device.TopologyEvent) {
	changes := hash.New()
	entry := hash.New()
	if ev.Info != nil {
		_ = entry.Set(ev.InstanceID, ev.Info.Clone())
	} else {
		_ = entry.Set(ev.InstanceID, hash.New())
	}
	_ = changes.Set(ev.Kind, entry)
	frame := hash.New("type", "topologyUpdate", "changes", changes)
	for _, c := range s.clientList() {
		if c.state() != stateNone {
			c.send(frame)
		}
	}
}

// property accessors; defaults are guaranteed by the schema.

func (s *Server) propInt(key string) int64 {
	v, err := s.dev.Get(key)
	if err != nil {
		return 0
	}
	if i, ok := v.(int32); ok {
		return int64(i)
	}
	i, _ := v.(int64)
	return i
}

func (s *Server) propUint(key string) uint32 {
	v, err := s.dev.Get(key)
	if err != nil {
		return 0
	}
	u, _ := v.(uint32)
	return u
}

func (s *Server) propString(key string) string {
	v, err := s.dev.Get(key)
	if err != nil {
		return ""
	}
	str, _ := v.(string)
	return str
}

func (s *Server) propBool(key string) bool {
	v, err := s.dev.Get(key)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (s *Server) propStrings(key string) []string {
	v, err := s.dev.Get(key)
	if err != nil {
		return nil
	}
	vs, _ := v.([]string)
	return vs
}
