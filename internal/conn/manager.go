package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/metrics"
	"github.com/matheus3301/wppdesk/internal/status"
	"github.com/matheus3301/wppdesk/internal/wa"
	"go.uber.org/zap"
)

var errHeartbeatTimeout = errors.New("no pong within heartbeat interval")

// Config controls the push connection.
type Config struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	MaxAttempts       int
}

// ErrorInfo is the payload of session.error events.
type ErrorInfo struct {
	Attempts int
	Err      error
}

// QRCode is the payload of session.qr events.
type QRCode struct {
	Code string
}

// FrameSink receives every parsed inbound frame. Deliver may block; the read
// loop waits for it so frames are never dropped.
type FrameSink interface {
	Deliver(ctx context.Context, f wa.Frame) error
}

// Manager owns the session's push connection: it authenticates, sends
// heartbeats, hands inbound frames to its sink, republishes them on the bus
// and reconnects after a fixed interval until the attempt budget runs out.
type Manager struct {
	cfg     Config
	dialer  Dialer
	bus     *bus.Bus
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger
	sink    FrameSink

	mu        sync.Mutex
	writeMu   sync.Mutex
	transport Transport
	gen       uint64
	failures  int
	started   bool
	stopped   bool
	awaitPong bool
	retry     *time.Timer
	stopBeat  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a manager. A nil dialer uses gorilla/websocket.
func NewManager(cfg Config, dialer Dialer, b *bus.Bus, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		bus:     b,
		machine: machine,
		metrics: m,
		logger:  logger,
	}
}

// SetFrameSink sets where inbound frames are delivered. Call it before Connect.
func (m *Manager) SetFrameSink(s FrameSink) {
	m.sink = s
}

// Status returns the current session status.
func (m *Manager) Status() status.State {
	return m.machine.Current()
}

// Connect opens the push channel. It is the only way out of the error state.
// While the manager is live (open, opening or waiting to reconnect) it is a
// no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started && !m.stopped && m.machine.Current() != status.Error {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.stopped = false
	m.failures = 0
	m.mu.Unlock()

	m.dial()
}

// Disconnect closes the channel on purpose. No reconnection follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.stopHeartbeatLocked()
	t := m.transport
	m.transport = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.setState(status.Disconnected)
	m.logger.Info("push channel disconnected")
}

// Send writes one frame. It reports false, without error, when there is no
// open transport or the write fails.
func (m *Manager) Send(frameType wa.FrameType, payload any) bool {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return false
	}
	raw, err := wa.NewFrame(frameType, payload)
	if err != nil {
		m.logger.Warn("encode frame", zap.Error(err))
		return false
	}
	if err := m.write(t, raw); err != nil {
		m.logger.Warn("write frame", zap.String("type", string(frameType)), zap.Error(err))
		return false
	}
	return true
}

// Failures returns the number of consecutive closes since the last open.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Manager) write(t Transport, raw []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.WriteMessage(websocket.TextMessage, raw)
}

func (m *Manager) dial() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	ctx := m.ctx
	m.mu.Unlock()

	m.setState(status.Connecting)
	t, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		m.logger.Warn("push channel dial failed", zap.Error(err))
		m.handleClose(gen, err)
		return
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		_ = t.Close()
		return
	}
	m.transport = t
	m.failures = 0
	m.awaitPong = false
	m.stopBeat = make(chan struct{})
	stop := m.stopBeat
	m.mu.Unlock()

	auth, _ := wa.NewFrame(wa.FrameAuth, wa.AuthData{Token: m.cfg.Token})
	if err := m.write(t, auth); err != nil {
		m.logger.Warn("auth handshake failed", zap.Error(err))
		m.handleClose(gen, err)
		return
	}

	m.setState(status.Connected)
	m.logger.Info("push channel open")
	go m.readLoop(gen, t)
	go m.heartbeat(gen, t, stop)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	for {
		_, raw, err := t.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		f, err := wa.ParseFrame(raw)
		if err != nil {
			m.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		m.handleFrame(gen, t, f)
		if m.sink == nil {
			continue
		}
		if err := m.sink.Deliver(ctx, f); err != nil {
			m.logger.Debug("frame not delivered", zap.String("type", string(f.Type)), zap.Error(err))
		}
	}
}

func (m *Manager) handleFrame(gen uint64, t Transport, f wa.Frame) {
	m.metrics.PushFrame(string(f.Type))
	switch f.Type {
	case wa.FramePong:
		m.mu.Lock()
		if gen == m.gen {
			m.awaitPong = false
		}
		m.mu.Unlock()
	case wa.FramePing:
		pong, err := wa.NewFrame(wa.FramePong, f.Data)
		if err == nil {
			_ = m.write(t, pong)
		}
	case wa.FrameConnection:
		var cd wa.ConnectionData
		if err := f.Decode(&cd); err != nil {
			m.logger.Debug("bad connection frame", zap.Error(err))
			break
		}
		switch cd.Status {
		case "qr":
			m.setState(status.QRReady)
			m.bus.Emit(bus.KindSessionQR, QRCode{Code: cd.QR})
		case "connected", "open":
			m.setState(status.Connected)
		}
	case wa.FrameError:
		var ed wa.ErrorData
		_ = f.Decode(&ed)
		m.logger.Warn("gateway error frame", zap.String("message", ed.Message), zap.String("code", ed.Code))
	}
	m.bus.Emit(bus.KindPushPrefix+string(f.Type), f)
}

func (m *Manager) heartbeat(gen uint64, t Transport, stop <-chan struct{}) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		missed := m.awaitPong
		m.awaitPong = true
		m.mu.Unlock()

		if missed {
			m.logger.Warn("heartbeat timed out")
			m.handleClose(gen, errHeartbeatTimeout)
			return
		}
		ping, _ := wa.NewFrame(wa.FramePing, wa.PingData{ID: uuid.NewString()})
		if err := m.write(t, ping); err != nil {
			m.handleClose(gen, err)
			return
		}
	}
}

// handleClose runs once per connection attempt, whichever of the read loop,
// heartbeat or dial notices the failure first.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopHeartbeatLocked()
	t := m.transport
	m.transport = nil
	m.failures++
	attempts := m.failures
	exhausted := attempts >= m.cfg.MaxAttempts
	if !exhausted {
		m.retry = time.AfterFunc(m.cfg.ReconnectInterval, m.dial)
	}
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}

	if exhausted {
		m.setState(status.Error)
		m.bus.Emit(bus.KindSessionError, ErrorInfo{Attempts: attempts, Err: cause})
		m.logger.Error("push channel gave up", zap.Int("attempts", attempts), zap.Error(cause))
		return
	}
	m.setState(status.Disconnected)
	m.metrics.Reconnect()
	m.logger.Info("push channel closed, reconnecting",
		zap.Int("attempt", attempts),
		zap.Duration("in", m.cfg.ReconnectInterval),
		zap.Error(cause))
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}

func (m *Manager) setState(to status.State) {
	if m.machine.Current() == to {
		return
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("ignored status change", zap.Error(err))
		return
	}
	m.metrics.SetStatus(string(to), stateNames())
}

func stateNames() []string {
	all := status.All()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = string(s)
	}
	return out
}
