package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/firecore/platform/internal/auth"
	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/prefilter"
	"github.com/firecore/platform/internal/protocol"
	"github.com/firecore/platform/internal/queue"
	"github.com/firecore/platform/internal/timer"
	"github.com/firecore/platform/pkg/config"
)

const deviceStatusKeyPrefix = "device:status:"

// Server is the TCP front door: one accept loop, one goroutine per
// connection, dispatching auth/heartbeat/data messages into the Session
// state machine. Adapted from the teacher's internal/server.TCPServer.
type Server struct {
	cfg          config.SessionConfig
	manager      *Manager
	timerManager *timer.TimerManager
	validator    *auth.Validator
	prefilter    *prefilter.Filter
	producer     *queue.Producer
	redis        *redis.Client
	logger       *zap.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds a Server.
func New(cfg config.SessionConfig, manager *Manager, timerManager *timer.TimerManager, validator *auth.Validator, filter *prefilter.Filter, producer *queue.Producer, redisClient *redis.Client, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:          cfg,
		manager:      manager,
		timerManager: timerManager,
		validator:    validator,
		prefilter:    filter,
		producer:     producer,
		redis:        redisClient,
		logger:       logger,
		limiters:     make(map[string]*rate.Limiter),
		stopCh:       make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start listens on cfg.Port and begins accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("start session server: %w", err)
	}

	s.listener = listener
	s.logger.Info("session server listening", zap.String("addr", addr))

	s.wg.Add(1)
	go s.acceptConnections()

	s.wg.Add(1)
	go s.sweepDisabledDevices()

	return nil
}

// Stop gracefully shuts down the accept loop and drains connections.
func (s *Server) Stop() {
	close(s.stopCh)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	s.logger.Info("session server stopped")
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}

		if s.manager.Count() >= s.cfg.MaxConnections {
			s.logger.Warn("max sessions reached, rejecting connection")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connectionID := uuid.New().String()
	sess, err := s.manager.Register(connectionID, conn, s.cfg.MaxPendingWrites)
	if err != nil {
		s.logger.Warn("register session failed", zap.Error(err))
		conn.Close()
		return
	}
	defer func() {
		s.timerManager.Cancel(idleTimerID(connectionID))
		s.manager.Unregister(sess)
		s.publishDeviceStatus(sess.DeviceID, false)
	}()

	reader := bufio.NewReader(conn)
	s.scheduleIdleTimeout(sess)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		msg, err := protocol.ParseMessage([]byte(line))
		if err != nil {
			// Malformed frame: ProtocolError closes without reply.
			return
		}

		if sess.State() == StateClosing {
			return
		}

		if sess.State() == StateHandshake {
			authMsg, ok := msg.(*protocol.AuthMessage)
			if !ok {
				return
			}
			if !s.handleAuth(sess, authMsg) {
				return
			}
			sess.UpdateActivity()
			s.scheduleIdleTimeout(sess)
			continue
		}

		switch m := msg.(type) {
		case *protocol.HeartbeatMessage:
			s.handleHeartbeat(sess)
		case *protocol.DataMessage:
			s.handleData(sess, m)
		default:
			// A second auth message on an already-authenticated connection
			// is not part of the state machine; treat as protocol error.
			return
		}

		sess.UpdateActivity()
		s.scheduleIdleTimeout(sess)
	}
}

// remoteHost strips the port from sess's remote address so repeated
// connections from the same source share one limiter bucket, rather
// than each getting its own always-full one keyed by ephemeral port.
func remoteHost(sess *Session) string {
	addr := sess.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Server) allowAuthAttempt(host string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	limiter, ok := s.limiters[host]
	if !ok {
		perSecond := rate.Limit(float64(s.cfg.AuthAttemptsPerMinute) / 60.0)
		limiter = rate.NewLimiter(perSecond, s.cfg.AuthAttemptsPerMinute)
		s.limiters[host] = limiter
	}
	return limiter.Allow()
}

func (s *Server) handleAuth(sess *Session, msg *protocol.AuthMessage) bool {
	if !s.allowAuthAttempt(remoteHost(sess)) {
		s.reply(sess, protocol.NewAuthResponse(false, "rate limited"))
		return false
	}

	deviceID, err := s.validator.Validate(s.ctx, msg.Token)
	if err != nil {
		reason := "invalid token"
		if corerr.IsKind(err, corerr.KindAuth) {
			reason = "invalid or expired token"
		}
		s.reply(sess, protocol.NewAuthResponse(false, reason))
		return false
	}

	s.manager.Authenticate(sess, deviceID)
	s.reply(sess, protocol.NewAuthResponse(true, ""))
	s.publishDeviceStatus(deviceID, true)
	return true
}

func (s *Server) handleHeartbeat(sess *Session) {
	s.reply(sess, protocol.NewHeartbeatResponse(time.Now().UTC().Format(time.RFC3339)))
	s.publishDeviceStatus(sess.DeviceID, true)
}

func (s *Server) handleData(sess *Session, msg *protocol.DataMessage) {
	forwarded := s.prefilter.Process(sess.DeviceID, msg)
	if s.logger.Core().Enabled(zap.DebugLevel) {
		s.logger.Debug("data message processed",
			zap.String("device_id", sess.DeviceID),
			zap.Int("readings_in", len(msg.Readings)),
			zap.Int("readings_forwarded", len(forwarded)))
	}

	if s.producer == nil {
		return
	}

	receivedAt := time.Now().UTC()
	for _, reading := range forwarded {
		envelope := &protocol.SensorEnvelope{
			ConnectionID:   sess.ConnectionID,
			DeviceID:       sess.DeviceID,
			ReceivedAt:     receivedAt,
			PreprocessedAt: receivedAt,
			Reading:        reading,
		}

		data, err := protocol.EncodeSensorEnvelope(envelope)
		if err != nil {
			s.logger.Error("encode sensor envelope failed", zap.Error(err))
			continue
		}

		if err := s.producer.Publish(s.ctx, sess.DeviceID, data); err != nil {
			s.logger.Error("publish sensor envelope failed",
				zap.String("device_id", sess.DeviceID), zap.Error(err))
		}
	}
}

func (s *Server) reply(sess *Session, msg interface{}) {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		s.logger.Error("encode reply failed", zap.Error(err))
		return
	}
	_ = sess.Send(data)
}

func (s *Server) publishDeviceStatus(deviceID string, connected bool) {
	if deviceID == "" || s.redis == nil {
		return
	}

	ttl := time.Duration(s.cfg.IdleSeconds)*time.Second + 5*time.Second
	status := fmt.Sprintf(`{"device_id":%q,"connected":%t,"last_seen":%q}`, deviceID, connected, time.Now().UTC().Format(time.RFC3339))

	if err := s.redis.Set(s.ctx, deviceStatusKeyPrefix+deviceID, status, ttl).Err(); err != nil {
		s.logger.Warn("publish device status failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func idleTimerID(connectionID string) string {
	return "idle-" + connectionID
}

// sweepDisabledDevices periodically re-validates the Enabled flag for
// every live authenticated session, closing any whose device has been
// disabled since auth. handleAuth's Validate call only checks Enabled
// once at handshake time; without this sweep an admin disabling a
// device mid-session has no effect until the device itself
// disconnects, which spec.md's "closed within one idle interval"
// invariant forbids. The sweep interval is half the idle timeout so a
// disabled device is always caught within one full interval.
func (s *Server) sweepDisabledDevices() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.IdleSeconds) * time.Second / 2
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.closeDisabledSessions()
		}
	}
}

func (s *Server) closeDisabledSessions() {
	for _, sess := range s.manager.AuthenticatedSessions() {
		enabled, err := s.validator.IsEnabled(s.ctx, sess.DeviceID)
		if err != nil {
			s.logger.Warn("enabled sweep lookup failed", zap.String("device_id", sess.DeviceID), zap.Error(err))
			continue
		}
		if enabled {
			continue
		}

		s.logger.Info("closing session for disabled device", zap.String("device_id", sess.DeviceID))
		s.publishDeviceStatus(sess.DeviceID, false)
		sess.Close()
	}
}

func (s *Server) scheduleIdleTimeout(sess *Session) {
	expiryAt := time.Now().Add(time.Duration(s.cfg.IdleSeconds) * time.Second)
	s.timerManager.Schedule(idleTimerID(sess.ConnectionID), expiryAt, func() {
		s.publishDeviceStatus(sess.DeviceID, false)
		sess.Close()
	})
}
