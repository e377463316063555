package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/auth"
	"github.com/chatrelay/chatrelay/pkg/bus"
	"github.com/chatrelay/chatrelay/pkg/protocol"
	"github.com/chatrelay/chatrelay/pkg/queue"
	"github.com/chatrelay/chatrelay/pkg/store"
)

// enqueueTimeout bounds background queue writes so a stalled queue cannot
// pile up goroutines forever.
const enqueueTimeout = 10 * time.Second

// Deps are the external collaborators the relay core is wired with.
type Deps struct {
	Store   store.HistoryStore
	Bus     bus.Bus
	Queue   queue.Queue
	Auth    auth.Authenticator
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Server accepts connections, runs per-connection sessions and owns the
// fan-out dispatcher.
type Server struct {
	cfg           Config
	log           zerolog.Logger
	store         store.HistoryStore
	bus           bus.Bus
	queue         queue.Queue
	authenticator auth.Authenticator
	registry      *Registry
	dispatcher    *Dispatcher
	metrics       *Metrics

	listener net.Listener
	wsServer *http.Server

	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64

	// stampMu orders published_at assignment; channelLocks extends that
	// order through the bus publish per channel.
	stampMu      sync.Mutex
	lastStamp    float64
	channelLocks sync.Map // channel -> *sync.Mutex

	clock func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires a relay server. It does not start listening.
func NewServer(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		log:           deps.Logger,
		store:         deps.Store,
		bus:           deps.Bus,
		queue:         deps.Queue,
		authenticator: deps.Auth,
		registry:      NewRegistry(),
		metrics:       deps.Metrics,
		sessions:      make(map[uint64]*Session),
		clock:         protocol.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.dispatcher = NewDispatcher(deps.Bus, s.registry, deps.Store, s, deps.Logger, deps.Metrics)
	return s
}

// Start begins accepting connections and starts the dispatcher.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", addr).Msg("tcp listener started")

	s.StartDispatcher()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	if s.cfg.WSPort > 0 {
		if err := s.startWebSocket(); err != nil {
			listener.Close()
			return err
		}
	}
	return nil
}

// StartDispatcher runs the fan-out dispatcher without a listener. Tests
// drive connections through HandleConn directly.
func (s *Server) StartDispatcher() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(s.ctx)
	}()
}

// Stop closes the listener and all sessions and waits for workers.
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.stopWebSocket()

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Error().Err(err).Msg("accept error")
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConn(conn)
		}()
	}
}

// HandleConn runs the session loop for one connection and blocks until it
// disconnects.
func (s *Server) HandleConn(conn net.Conn) {
	sess := s.addSession(conn)
	defer s.removeSession(sess)

	log := s.log.With().Uint64("session_id", sess.ID).Logger()
	log.Info().Str("remote", remoteAddr(conn)).Msg("connection opened")

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		doc, err := protocol.ReadEnvelope(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Msg("connection closed by peer")
			} else if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("read error")
			}
			return
		}

		method, err := protocol.Method(doc)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable request")
			s.sendError(sess, "", ErrUnknownMethod)
			return
		}

		if err := s.handleRequest(s.ctx, sess, method, doc); err != nil {
			s.sendError(sess, method, err)
			if isFatal(err) {
				log.Warn().Err(err).Str("method", method).Msg("protocol-fatal error")
				return
			}
			log.Warn().Err(err).Str("method", method).Msg("request failed")
		}
	}
}

// handleRequest applies the per-method gates and dispatches.
func (s *Server) handleRequest(ctx context.Context, sess *Session, method string, doc []byte) error {
	println("DEBUG handleRequest method", method)
	desc, ok := methods[method]
	if !ok {
		return ErrUnknownMethod
	}

	s.metrics.RecordRequest(method)

	if desc.authRequired && !sess.authenticated() {
		return ErrUnauthenticated
	}
	if desc.inChannelRequired && sess.Attending() == "" {
		return ErrNotAttending
	}
	return desc.handler(ctx, s, sess, doc)
}

func (s *Server) sendError(sess *Session, method string, err error) {
	reply := protocol.ErrorReply{
		Method: method,
		Status: protocol.StatusError,
		Reason: reasonFor(err),
	}
	if werr := sess.WriteReply(reply); werr != nil {
		s.log.Debug().Err(werr).Uint64("session_id", sess.ID).Msg("error reply write failed")
	}
}

func (s *Server) addSession(conn net.Conn) *Session {
	id := atomic.AddUint64(&s.nextID, 1)
	sess := newSession(id, conn)

	s.mu.Lock()
	s.sessions[id] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.RecordActiveSessions(count)
	return sess
}

// removeSession runs the disconnect path: exit bookkeeping, registry
// cleanup, transport close.
func (s *Server) removeSession(sess *Session) {
	s.finishExit(sess)
	s.registry.RemoveSession(sess)

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.RecordActiveSessions(count)
	sess.Close()
}

// finishExit clears attendance and records a usage row when the session
// published while attending.
func (s *Server) finishExit(sess *Session) {
	channel, lastPublishedAt, ok := sess.Exit()
	if !ok {
		return
	}

	usage := &store.UsageLog{
		Date:            protocol.Time(lastPublishedAt).UTC().Format("2006-01-02"),
		Channel:         channel,
		LastPublishedAt: lastPublishedAt,
	}
	if err := s.store.PutUsageLog(context.Background(), usage); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("usage log write failed")
	}
}

// SessionsForUser returns the live sessions authenticated as userID.
func (s *Server) SessionsForUser(userID string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.UserID() == userID {
			out = append(out, sess)
		}
	}
	return out
}

// stamp assigns a published_at strictly greater than any previously
// assigned by this instance.
func (s *Server) stamp() float64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	now := s.clock()
	if now <= s.lastStamp {
		now = s.lastStamp + 1e-6
	}
	s.lastStamp = now
	return now
}

func (s *Server) channelLock(channel string) *sync.Mutex {
	lock, _ := s.channelLocks.LoadOrStore(channel, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// publishMessage stamps and publishes an envelope on the channel's topic,
// then fires the notification and audit enqueues plus optional history
// persistence off the request path. The stamp-to-publish window is locked
// per channel so subscribers observe published_at order.
func (s *Server) publishMessage(ctx context.Context, sess *Session, channel, msgType, body string) (float64, error) {
	env := protocol.PublishEnvelope{
		Method:  protocol.MethodPublish,
		Type:    msgType,
		Channel: channel,
		Message: body,
		Writer:  sess.UserID(),
	}

	println("DEBUG publishMessage channel", channel)
	lock := s.channelLock(channel)
	lock.Lock()
	env.PublishedAt = s.stamp()
	doc, err := protocol.Encode(env)
	if err != nil {
		lock.Unlock()
		return 0, err
	}
	err = s.bus.Publish(ctx, channel, doc)
	lock.Unlock()
	if err != nil {
		return 0, fmt.Errorf("bus publish: %w", err)
	}

	sess.NotePublish(channel, env.PublishedAt)
	s.metrics.RecordPublished()

	s.enqueueAsync(env, s.cfg.NotificationQueue, s.cfg.AuditQueue)
	if s.cfg.PersistMessages {
		s.persistAsync(&store.Message{
			Channel:     channel,
			PublishedAt: env.PublishedAt,
			Writer:      env.Writer,
			Type:        msgType,
			Message:     body,
		})
	}
	return env.PublishedAt, nil
}

// enqueueAsync JSON-encodes v and enqueues it to each named queue without
// blocking the request path. Failures are logged and counted, never
// surfaced to the client.
func (s *Server) enqueueAsync(v interface{}, queueNames ...string) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("queue payload encode failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		for _, name := range queueNames {
			if name == "" {
				continue
			}
			if err := s.queue.Enqueue(ctx, name, payload); err != nil {
				s.metrics.RecordQueueFailure(name)
				s.log.Warn().Err(err).Str("queue", name).Msg("enqueue failed")
			}
		}
	}()
}

func (s *Server) persistAsync(msg *store.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		if err := s.store.PutMessage(ctx, msg); err != nil {
			s.log.Error().Err(err).Str("channel", msg.Channel).Msg("message persist failed")
		}
	}()
}

// Registry exposes the subscription registry, used by tests and the
// dispatcher.
func (s *Server) Registry() *Registry {
	return s.registry
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
