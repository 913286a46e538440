package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"airlink/identity"
	"airlink/protocol"
	"airlink/storage"
	"airlink/trust"
)

// State is the connection lifecycle state of one remote device.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StateChange is published to watchers on every device state transition.
type StateChange struct {
	DeviceID string
	State    State
	Reason   string
}

// CoordinatorOptions configures the per-device connection state machine.
type CoordinatorOptions struct {
	DeviceID   string
	DeviceName string
	Identity   *identity.Identity
	Trust      *trust.Store
	Store      *storage.Store

	// Inbound listener port range; zero disables the listener.
	ListenHost     string
	ListenPortLow  int
	ListenPortHigh int

	// PairSecret, when set, is proven in the device_info handshake on
	// re-pairing connections.
	PairSecret []byte

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	Logger *log.Logger
}

// Coordinator owns at most one live DeviceConnection per remote device and
// drives the Disconnected/Connecting/Connected state machine. There is no
// automatic retry loop: reconnection is a deliberate external action, so
// failure handling stays explicit rather than hidden in retries.
type Coordinator struct {
	options CoordinatorOptions
	logger  *log.Logger

	listener   net.Listener
	listenPort int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// connMu guards the one-live-connection-per-device invariant; all
	// transition logic funnels through this map.
	connMu      sync.Mutex
	connections map[string]*DeviceConnection
	states      map[string]StateChange

	watchMu  sync.Mutex
	watchers []chan StateChange

	handlerMu         sync.RWMutex
	messageHandlers   []MessageHandler
	connectedHandlers []func(deviceID string)
}

// NewCoordinator creates a coordinator with validated configuration.
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.DeviceID == "" {
		return nil, errors.New("network: device ID is required")
	}
	if options.DeviceName == "" {
		return nil, errors.New("network: device name is required")
	}
	if options.Identity == nil {
		return nil, errors.New("network: identity is required")
	}
	if options.Trust == nil {
		return nil, errors.New("network: trust store is required")
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if options.Logger == nil {
		options.Logger = log.Default()
	}

	return &Coordinator{
		options:     options,
		logger:      options.Logger.With("component", "coordinator"),
		stopped:     make(chan struct{}),
		connections: make(map[string]*DeviceConnection),
		states:      make(map[string]StateChange),
	}, nil
}

// Start opens the inbound listener, if one is configured.
func (c *Coordinator) Start() error {
	if c.options.ListenPortLow <= 0 {
		return nil
	}

	high := c.options.ListenPortHigh
	if high < c.options.ListenPortLow {
		high = c.options.ListenPortLow
	}

	listener, port, err := ListenRange(c.options.ListenHost, c.options.ListenPortLow, high, c.options.Identity.TLSCertificate(), nil)
	if err != nil {
		return err
	}
	c.listener = listener
	c.listenPort = port

	c.wg.Add(1)
	go c.acceptLoop()

	c.logger.Info("listening for devices", "port", port)
	return nil
}

// Stop closes the listener and every live connection.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.listener != nil {
			_ = c.listener.Close()
		}

		c.connMu.Lock()
		conns := make([]*DeviceConnection, 0, len(c.connections))
		for _, conn := range c.connections {
			conns = append(conns, conn)
		}
		c.connMu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
		c.wg.Wait()
	})
}

// ListenPort returns the port chosen for the inbound listener.
func (c *Coordinator) ListenPort() int {
	return c.listenPort
}

// OnMessage registers a feature handler for decoded inbound messages.
func (c *Coordinator) OnMessage(handler MessageHandler) {
	c.handlerMu.Lock()
	c.messageHandlers = append(c.messageHandlers, handler)
	c.handlerMu.Unlock()
}

// OnConnected registers a handler fired exactly once per successful
// transition to Connected, so feature modules can flush active-state
// snapshots without the coordinator hard-coding a call list.
func (c *Coordinator) OnConnected(handler func(deviceID string)) {
	c.handlerMu.Lock()
	c.connectedHandlers = append(c.connectedHandlers, handler)
	c.handlerMu.Unlock()
}

// WatchState returns a stream of connection state changes and a cancel
// func that removes the watcher and closes the channel.
func (c *Coordinator) WatchState() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	c.watchMu.Lock()
	c.watchers = append(c.watchers, ch)
	c.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.watchMu.Lock()
			for i, watcher := range c.watchers {
				if watcher == ch {
					c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
					break
				}
			}
			c.watchMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// State returns the current state for a device; unknown devices are
// Disconnected.
func (c *Coordinator) State(deviceID string) StateChange {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if state, ok := c.states[deviceID]; ok {
		return state
	}
	return StateChange{DeviceID: deviceID, State: StateDisconnected}
}

// Connect dials a known (paired) device using its stored address candidates
// and pinned certificate.
func (c *Coordinator) Connect(deviceID string) error {
	if c.options.Store == nil {
		return fmt.Errorf("%w: no device directory configured", ErrConnect)
	}

	addresses, err := c.options.Store.ListAddresses(deviceID)
	if err != nil {
		return fmt.Errorf("load addresses for %q: %w", deviceID, err)
	}

	candidates := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if addr.Enabled {
			candidates = append(candidates, addr.Address)
		}
	}

	pin, _ := c.options.Trust.Pinned(deviceID)
	return c.ConnectCandidates(deviceID, candidates, pin)
}

// ConnectCandidates tries each candidate address in priority order until one
// produces a successful connection, then performs the device_info handshake.
// Exhausting all candidates transitions the device to Disconnected with the
// last error recorded. Certificate mismatches are fatal: they transition to
// Error and are never downgraded to first-use trust.
func (c *Coordinator) ConnectCandidates(deviceID string, candidates []string, pin []byte) error {
	c.connMu.Lock()
	if _, ok := c.connections[deviceID]; ok {
		c.connMu.Unlock()
		return nil
	}
	if state, ok := c.states[deviceID]; ok && state.State == StateConnecting {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	c.setState(deviceID, StateConnecting, "")

	if len(candidates) == 0 {
		err := fmt.Errorf("%w: no candidate addresses for %q", ErrConnect, deviceID)
		c.setState(deviceID, StateDisconnected, err.Error())
		return err
	}

	var tlsConn *tls.Conn
	var dialErr error
	for _, address := range candidates {
		tlsConn, dialErr = Dial(address, c.options.Identity.TLSCertificate(), pin, c.options.ConnectTimeout)
		if dialErr == nil {
			break
		}
		if errors.Is(dialErr, trust.ErrCertificateMismatch) {
			c.recordSecurityEvent(deviceID, dialErr)
			c.setState(deviceID, StateError, dialErr.Error())
			return dialErr
		}
		c.logger.Debug("candidate failed", "device", deviceID, "address", address, "err", dialErr)
	}
	if tlsConn == nil {
		c.setState(deviceID, StateDisconnected, dialErr.Error())
		return dialErr
	}

	conn := NewDeviceConnection(tlsConn, c.logger)
	conn.Bind(deviceID)

	if err := conn.Send(buildDeviceInfo(c.options.Identity, c.options.DeviceID, c.options.DeviceName, c.options.PairSecret, deviceID)); err != nil {
		conn.Close()
		c.setState(deviceID, StateDisconnected, err.Error())
		return err
	}

	info, err := awaitDeviceInfo(conn, c.options.HandshakeTimeout)
	if err != nil {
		conn.Close()
		c.setState(deviceID, StateDisconnected, err.Error())
		return err
	}
	if info.DeviceID != deviceID {
		err := fmt.Errorf("%w: expected device %q, peer claims %q", ErrHandshakeRejected, deviceID, info.DeviceID)
		conn.Close()
		c.setState(deviceID, StateDisconnected, err.Error())
		return err
	}
	if info.PairProof != "" {
		if err := verifyPairProof(c.options.PairSecret, c.options.DeviceID, info); err != nil {
			conn.Close()
			c.setState(deviceID, StateDisconnected, err.Error())
			return err
		}
	}

	// Unpinned (pairing) connections pin the presented certificate now;
	// pinned ones were already enforced during the TLS handshake.
	if err := c.options.Trust.Evaluate(deviceID, peerLeafCertificate(tlsConn)); err != nil {
		c.recordSecurityEvent(deviceID, err)
		conn.Close()
		c.setState(deviceID, StateError, err.Error())
		return err
	}

	c.adopt(conn, info)
	return nil
}

// Disconnect closes the device's connection, if any, and transitions to
// Disconnected regardless of prior state. Idempotent.
func (c *Coordinator) Disconnect(deviceID string) {
	c.connMu.Lock()
	conn := c.connections[deviceID]
	delete(c.connections, deviceID)
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(deviceID, StateDisconnected, "")
}

// Send delegates to the live connection for the device. Sending to a device
// that is not connected is a silent no-op.
func (c *Coordinator) Send(deviceID string, msg protocol.Message) error {
	c.connMu.Lock()
	conn := c.connections[deviceID]
	c.connMu.Unlock()

	if conn == nil {
		c.logger.Debug("dropping message for disconnected device", "device", deviceID, "type", msg.MessageType())
		return nil
	}
	return conn.Send(msg)
}

// Broadcast fans the same message out to every currently connected device.
func (c *Coordinator) Broadcast(msg protocol.Message) {
	c.connMu.Lock()
	conns := make([]*DeviceConnection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.connMu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			c.logger.Debug("broadcast send failed", "device", conn.DeviceID(), "err", err)
		}
	}
}

// Connection returns the live connection for a device, if any. Transfer
// handlers use it to learn the peer's current address.
func (c *Coordinator) Connection(deviceID string) *DeviceConnection {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connections[deviceID]
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()

	for {
		rawConn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("accept failed", "err", err)
			continue
		}

		c.wg.Add(1)
		go c.handleInbound(rawConn)
	}
}

// handleInbound runs the mirror image of ConnectCandidates: wait for the
// peer's device_info, evaluate its certificate against the trust store,
// then answer with our own identity.
func (c *Coordinator) handleInbound(rawConn net.Conn) {
	defer c.wg.Done()

	tlsConn, ok := rawConn.(*tls.Conn)
	if !ok {
		_ = rawConn.Close()
		return
	}

	conn := NewDeviceConnection(tlsConn, c.logger)

	// Shutdown must not wait out the handshake timeout of a half-open peer.
	go func() {
		select {
		case <-c.stopped:
			conn.Close()
		case <-conn.Done():
		}
	}()

	info, err := awaitDeviceInfo(conn, c.options.HandshakeTimeout)
	if err != nil {
		c.logger.Debug("inbound handshake failed", "remote", rawConn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	if info.PairProof != "" {
		if err := verifyPairProof(c.options.PairSecret, c.options.DeviceID, info); err != nil {
			c.logger.Warn("inbound pairing proof rejected", "device", info.DeviceID)
			conn.Close()
			return
		}
	}

	if err := c.options.Trust.Evaluate(info.DeviceID, peerLeafCertificate(tlsConn)); err != nil {
		c.recordSecurityEvent(info.DeviceID, err)
		c.setState(info.DeviceID, StateError, err.Error())
		conn.Close()
		return
	}

	conn.Bind(info.DeviceID)
	if err := conn.Send(buildDeviceInfo(c.options.Identity, c.options.DeviceID, c.options.DeviceName, c.options.PairSecret, info.DeviceID)); err != nil {
		conn.Close()
		return
	}

	c.adopt(conn, info)
}

// adopt registers a handshake-complete connection, starts its read loop,
// and publishes the Connected transition exactly once.
func (c *Coordinator) adopt(conn *DeviceConnection, info *protocol.DeviceInfo) {
	deviceID := info.DeviceID

	c.connMu.Lock()
	if existing := c.connections[deviceID]; existing != nil {
		existing.Close()
	}
	c.connections[deviceID] = conn
	c.connMu.Unlock()

	conn.StartListening(c.dispatch, func(deviceID string, err error) {
		c.connMu.Lock()
		current := c.connections[deviceID] == conn
		if current {
			delete(c.connections, deviceID)
		}
		c.connMu.Unlock()

		// A replaced connection closing must not mask the state of its
		// successor.
		if !current {
			return
		}

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		c.setState(deviceID, StateDisconnected, reason)
	})

	c.persistDevice(deviceID, info.DeviceName)

	c.setState(deviceID, StateConnected, "")
	c.logger.Info("device connected", "device", deviceID, "name", info.DeviceName, "remote", conn.RemoteAddr())

	c.handlerMu.RLock()
	handlers := make([]func(deviceID string), len(c.connectedHandlers))
	copy(handlers, c.connectedHandlers)
	c.handlerMu.RUnlock()
	for _, handler := range handlers {
		handler(deviceID)
	}
}

// persistDevice records the paired device and its connection time. The
// pinned certificate is the durable trust anchor, so it is stored alongside
// the name.
func (c *Coordinator) persistDevice(deviceID, deviceName string) {
	if c.options.Store == nil {
		return
	}

	pin, ok := c.options.Trust.Pinned(deviceID)
	if !ok {
		return
	}

	fingerprint := "unknown"
	if cert, err := x509.ParseCertificate(pin); err == nil {
		fingerprint = identity.Fingerprint(cert)
	}
	if deviceName == "" {
		deviceName = deviceID
	}

	err := c.options.Store.SaveDevice(storage.Device{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Certificate: pin,
		Fingerprint: fingerprint,
	})
	if err != nil {
		c.logger.Warn("persist device failed", "device", deviceID, "err", err)
		return
	}
	if err := c.options.Store.UpdateLastConnected(deviceID, time.Now().UnixMilli()); err != nil {
		c.logger.Warn("persist last-connected failed", "device", deviceID, "err", err)
	}
}

func (c *Coordinator) dispatch(deviceID string, msg protocol.Message) {
	c.handlerMu.RLock()
	handlers := append([]MessageHandler(nil), c.messageHandlers...)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(deviceID, msg)
	}
}

func (c *Coordinator) setState(deviceID string, state State, reason string) {
	change := StateChange{DeviceID: deviceID, State: state, Reason: reason}

	c.connMu.Lock()
	c.states[deviceID] = change
	c.connMu.Unlock()

	// Non-blocking sends happen under watchMu so an unsubscribing watcher
	// cannot close its channel mid-publish.
	c.watchMu.Lock()
	for _, watcher := range c.watchers {
		select {
		case watcher <- change:
		default:
		}
	}
	c.watchMu.Unlock()
}

func (c *Coordinator) recordSecurityEvent(deviceID string, err error) {
	c.logger.Warn("certificate trust violation", "device", deviceID, "err", err)
	if c.options.Store != nil {
		_ = c.options.Store.InsertSecurityEvent(deviceID, err.Error(), time.Now().UnixMilli())
	}
}
