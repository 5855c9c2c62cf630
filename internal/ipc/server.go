package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// Balancer runs one query to completion
type Balancer interface {
	RunQuery(ctx context.Context, q *domain.Query) domain.Result
}

// Config holds IPC server settings
type Config struct {
	Address          string
	Authkey          string
	MaxConnections   int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	RateLimit        config.RateLimitConfig
}

// ConfigFrom derives server settings from the daemon configuration
func ConfigFrom(c config.ServerConfig) Config {
	return Config{
		Address:          c.Address(),
		Authkey:          c.Authkey,
		MaxConnections:   c.MaxConnections,
		IdleTimeout:      c.IdleTimeout,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		RateLimit:        c.RateLimit,
	}
}

// ConnState is the lifecycle stage of one client connection
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateReading
	StateDispatched
	StateResponding
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateReading:
		return "READING"
	case StateDispatched:
		return "DISPATCHED"
	case StateResponding:
		return "RESPONDING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Server accepts authenticated client connections and answers their
// queries through a Balancer. Each connection is served by its own
// goroutine.
type Server struct {
	config   Config
	balancer Balancer
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closing  bool
	wg       sync.WaitGroup

	accepted      atomic.Int64
	authFailures  atomic.Int64
	protocolFails atomic.Int64
	requests      atomic.Int64
	rateLimited   atomic.Int64
}

// NewServer creates a server that dispatches queries to balancer
func NewServer(cfg Config, balancer Balancer, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   cfg,
		balancer: balancer,
		logger:   log.WithField("component", "ipc_server"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until
// Shutdown
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "ipc", "failed to listen on "+s.config.Address)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	if s.config.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.config.MaxConnections)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.WithField("address", l.Addr().String()).
		WithField("max_connections", s.config.MaxConnections).
		Info("IPC server listening")

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.WithError(err).Warnf("Accept error, retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "ipc", "accept failed")
		}
		tempDelay = 0

		sess := s.newSession(conn)
		if sess == nil {
			conn.Close()
			return nil
		}
		go s.serveSession(sess)
	}
}

// Addr returns the listening address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) newSession(conn net.Conn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		log:  s.logger.ConnectionLogger(conn.RemoteAddr().String()),
	}
	if s.config.RateLimit.Enabled {
		sess.limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit.RequestsPerSecond), s.config.RateLimit.BurstSize)
	}
	sess.log = sess.log.WithField("session", sess.id)

	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.accepted.Add(1)
	return sess
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown stops accepting connections and lets every session finish the
// request it is dispatching. Sessions idle between requests are closed at
// once. When ctx expires first the remaining connections are closed and
// in-flight queries are abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for sess := range s.sessions {
		sess.interrupt()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()
		<-done
		err = ctx.Err()
	}

	s.cancel()
	s.logger.Info("IPC server stopped")
	return err
}

// ActiveConnections returns the number of open sessions
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats returns connection and request counters
func (s *Server) Stats() map[string]interface{} {
	s.mu.Lock()
	states := make(map[string]int)
	for sess := range s.sessions {
		states[sess.State().String()]++
	}
	active := len(s.sessions)
	s.mu.Unlock()

	return map[string]interface{}{
		"active_connections": active,
		"connection_states":  states,
		"accepted":           s.accepted.Load(),
		"auth_failures":      s.authFailures.Load(),
		"protocol_errors":    s.protocolFails.Load(),
		"requests":           s.requests.Load(),
		"rate_limited":       s.rateLimited.Load(),
	}
}

// session is the server side of one client connection
type session struct {
	id      string
	conn    net.Conn
	log     *logger.Logger
	limiter *rate.Limiter

	state atomic.Int32
}

func (c *session) setState(st ConnState) {
	c.state.Store(int32(st))
}

// State returns the session's current lifecycle stage
func (c *session) State() ConnState {
	return ConnState(c.state.Load())
}

// interrupt unblocks a session waiting for its next request. A session
// dispatching a query finishes it and stops at the next read.
func (c *session) interrupt() {
	_ = c.conn.SetReadDeadline(time.Now())
}

func (s *Server) serveSession(c *session) {
	defer s.removeSession(c)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("Session panicked")
		}
		c.setState(StateClosed)
		c.conn.Close()
	}()

	c.setState(StateAccepted)
	if err := s.authenticate(c); err != nil {
		s.authFailures.Add(1)
		c.log.WithError(err).Warn("Handshake failed, closing connection")
		return
	}
	c.log.Debug("Connection authenticated")

	for {
		c.setState(StateReading)
		if !s.armRead(c) {
			return
		}

		body, err := ReadFrame(c.conn)
		if err != nil {
			s.logReadError(c, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Time{})

		q, closing, err := decodeRequest(body)
		if closing {
			c.log.Debug("Close sentinel received")
			return
		}
		if err != nil {
			s.protocolFails.Add(1)
			c.log.WithError(err).Warn("Malformed request, closing connection")
			var lbErr *lberrors.BalancerError
			id := ""
			if errors.As(err, &lbErr) {
				id = lbErr.QueryID
			}
			_ = s.respond(c, domain.ErrorResult(id, err))
			return
		}

		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		s.requests.Add(1)

		var res domain.Result
		if c.limiter != nil && !c.limiter.Allow() {
			s.rateLimited.Add(1)
			res = domain.ErrorResult(q.ID, lberrors.NewError(lberrors.ErrCodeRateLimited, "ipc", "request rate limit exceeded").WithQueryID(q.ID))
		} else {
			c.setState(StateDispatched)
			res = s.balancer.RunQuery(s.ctx, q)
		}

		c.setState(StateResponding)
		if err := s.respond(c, res); err != nil {
			c.log.WithError(err).WithField("query_id", q.ID).Warn("Failed to send result, closing connection")
			return
		}
	}
}

// armRead sets the idle deadline for the next request. It reports false
// once shutdown has begun so an interrupted session cannot re-arm.
func (s *Server) armRead(c *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	if s.config.IdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return true
}

func (s *Server) authenticate(c *session) error {
	if s.config.HandshakeTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
		defer c.conn.SetDeadline(time.Time{})
	}
	return serverHandshake(c.conn, []byte(s.config.Authkey))
}

func (s *Server) respond(c *session, res domain.Result) error {
	body, err := encodeResult(res)
	if err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "ipc", "failed to encode result")
	}
	if s.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return WriteFrame(c.conn, body)
}

func (s *Server) logReadError(c *session, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug("Client disconnected")
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.log.Warn("Client disconnected mid-frame")
	case lberrors.GetErrorCode(err) == lberrors.ErrCodeProtocol:
		s.protocolFails.Add(1)
		c.log.WithError(err).Warn("Malformed frame, closing connection")
	case errors.As(err, &ne) && ne.Timeout():
		if s.isClosing() {
			c.log.Debug("Closing idle connection for shutdown")
		} else {
			c.log.Info("Closing idle connection")
		}
	default:
		c.log.WithError(err).Debug("Connection read failed")
	}
}
