package server

import (
	"net"
	"sync"

	"github.com/chatrelay/chatrelay/pkg/auth"
	"github.com/chatrelay/chatrelay/pkg/protocol"
	"github.com/chatrelay/chatrelay/pkg/store"
)

type sessionState int

const (
	statePending sessionState = iota
	stateAuthenticated
)

// Session is one client connection's protocol state. Replies are written
// by the owning connection goroutine and fan-out frames by the dispatcher
// goroutine, so all transport writes go through a mutex.
type Session struct {
	ID   uint64
	conn net.Conn

	writeMu sync.Mutex

	mu              sync.RWMutex
	state           sessionState
	user            *auth.User
	protocolVersion int32
	joinInfos       map[string]*store.JoinInfo // channel -> cursor snapshot
	attending       *store.JoinInfo            // points into joinInfos, nil when idle
	lastPublishedAt *float64                   // set while attending, consumed on exit
}

func newSession(id uint64, conn net.Conn) *Session {
	return &Session{
		ID:        id,
		conn:      conn,
		joinInfos: make(map[string]*store.JoinInfo),
	}
}

// WriteDoc writes one raw envelope to the transport, serialized against
// concurrent writers.
func (s *Session) WriteDoc(doc []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteEnvelope(s.conn, doc)
}

// WriteReply encodes v and writes it to the transport.
func (s *Session) WriteReply(v interface{}) error {
	doc, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return s.WriteDoc(doc)
}

func (s *Session) authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == stateAuthenticated
}

// setAuthenticated transitions the session out of pending and installs the
// membership snapshot.
func (s *Session) setAuthenticated(user *auth.User, version int32, infos []store.JoinInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = stateAuthenticated
	s.user = user
	s.protocolVersion = version
	for i := range infos {
		info := infos[i]
		s.joinInfos[info.Channel] = &info
	}
}

// User returns the authenticated identity, nil while pending.
func (s *Session) User() *auth.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the authenticated user id, empty while pending.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// JoinInfo returns a copy of the session's cursor snapshot for channel.
func (s *Session) JoinInfo(channel string) (store.JoinInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.joinInfos[channel]
	if !ok {
		return store.JoinInfo{}, false
	}
	return *info, true
}

// JoinInfos returns copies of all cursor snapshots.
func (s *Session) JoinInfos() []store.JoinInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.JoinInfo, 0, len(s.joinInfos))
	for _, info := range s.joinInfos {
		out = append(out, *info)
	}
	return out
}

// Channels returns the channel names the session holds memberships for.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.joinInfos))
	for channel := range s.joinInfos {
		out = append(out, channel)
	}
	return out
}

// AddJoinInfo installs or replaces the snapshot for info's channel.
func (s *Session) AddJoinInfo(info store.JoinInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinInfos[info.Channel] = &info
}

// RemoveJoinInfo drops the snapshot for channel, clearing attendance if it
// pointed there.
func (s *Session) RemoveJoinInfo(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attending != nil && s.attending.Channel == channel {
		s.attending = nil
		s.lastPublishedAt = nil
	}
	delete(s.joinInfos, channel)
}

// SetLastSent advances the session's last_sent_at snapshot for channel.
func (s *Session) SetLastSent(channel string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.joinInfos[channel]; ok && ts > info.LastSentAt {
		info.LastSentAt = ts
	}
}

// Attend marks channel as the session's focused channel. The session must
// already hold a membership snapshot for it.
func (s *Session) Attend(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.joinInfos[channel]
	if !ok {
		return false
	}
	s.attending = info
	s.lastPublishedAt = nil
	return true
}

// Attending returns the focused channel name, empty when idle.
func (s *Session) Attending() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.attending == nil {
		return ""
	}
	return s.attending.Channel
}

// Exit clears attendance and returns the transient last-publish marker for
// usage logging, if one was set since attend.
func (s *Session) Exit() (channel string, lastPublishedAt float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attending == nil {
		return "", 0, false
	}
	channel = s.attending.Channel
	s.attending = nil

	if s.lastPublishedAt == nil {
		return channel, 0, false
	}
	lastPublishedAt = *s.lastPublishedAt
	s.lastPublishedAt = nil
	return channel, lastPublishedAt, true
}

// NotePublish records a publish made while attending channel.
func (s *Session) NotePublish(channel string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attending == nil || s.attending.Channel != channel {
		return
	}
	s.lastPublishedAt = &ts
	if ts > s.attending.LastSentAt {
		s.attending.LastSentAt = ts
	}
}

// AdvanceLastRead moves the attended channel's read cursor forward. Called
// by the dispatcher for every envelope delivered to this session; cursors
// never move backwards.
func (s *Session) AdvanceLastRead(channel string, publishedAt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attending == nil || s.attending.Channel != channel {
		return
	}
	if publishedAt > s.attending.LastReadAt {
		s.attending.LastReadAt = publishedAt
	}
}

// Close closes the transport. Safe to call from any goroutine; the read
// loop observes the error and runs cleanup.
func (s *Session) Close() error {
	return s.conn.Close()
}
