package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory HistoryStore. It backs single-process dev
// deployments and tests; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	channels    map[string]Channel
	joinInfos   map[string]map[string]JoinInfo // channel -> user_id -> info
	messages    map[string][]Message           // channel -> ascending by published_at
	withdrawals []WithdrawalLog
	usage       []UsageLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:  make(map[string]Channel),
		joinInfos: make(map[string]map[string]JoinInfo),
		messages:  make(map[string][]Message),
	}
}

func (m *MemoryStore) CreateChannelWithMembers(ctx context.Context, name string, userIDs []string, isGroupChat bool) (*Channel, []JoinInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := Channel{Name: name, IsGroupChat: isGroupChat}
	m.channels[name] = ch

	now := float64(time.Now().UnixNano()) / 1e9
	members := make(map[string]JoinInfo, len(userIDs))
	infos := make([]JoinInfo, 0, len(userIDs))
	for _, id := range userIDs {
		info := JoinInfo{Channel: name, UserID: id, JoinedAt: now}
		members[id] = info
		infos = append(infos, info)
	}
	m.joinInfos[name] = members

	return &ch, infos, nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, name string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (m *MemoryStore) BatchGetChannels(ctx context.Context, names []string) (map[string]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Channel, len(names))
	for _, name := range names {
		if ch, ok := m.channels[name]; ok {
			c := ch
			out[name] = &c
		}
	}
	return out, nil
}

func (m *MemoryStore) JoinInfosByUser(ctx context.Context, userID string) ([]JoinInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []JoinInfo
	for _, members := range m.joinInfos {
		if info, ok := members[userID]; ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (m *MemoryStore) JoinInfosByChannel(ctx context.Context, channel string) ([]JoinInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []JoinInfo
	for _, info := range m.joinInfos[channel] {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) GetJoinInfo(ctx context.Context, channel, userID string) (*JoinInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.joinInfos[channel][userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &info, nil
}

func (m *MemoryStore) PutJoinInfo(ctx context.Context, info *JoinInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.joinInfos[info.Channel]
	if !ok {
		members = make(map[string]JoinInfo)
		m.joinInfos[info.Channel] = members
	}
	members[info.UserID] = *info
	return nil
}

func (m *MemoryStore) DeleteJoinInfo(ctx context.Context, channel, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.joinInfos[channel], userID)
	return nil
}

func (m *MemoryStore) PutWithdrawalLog(ctx context.Context, log *WithdrawalLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.withdrawals = append(m.withdrawals, *log)
	return nil
}

func (m *MemoryStore) PutUsageLog(ctx context.Context, log *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, *log)
	return nil
}

func (m *MemoryStore) PutMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[msg.Channel]
	msgs = append(msgs, *msg)
	// Appends are nearly always in order; keep the slice sorted regardless.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].PublishedAt < msgs[j].PublishedAt })
	m.messages[msg.Channel] = msgs
	return nil
}

func (m *MemoryStore) QueryMessages(ctx context.Context, channel string, q MessageQuery) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for _, msg := range m.messages[channel] {
		if q.Before != nil && msg.PublishedAt > *q.Before {
			continue
		}
		if q.After != nil && msg.PublishedAt <= *q.After {
			continue
		}
		out = append(out, msg)
	}

	if q.NewestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountMessages(ctx context.Context, channel string, after float64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages[channel] {
		if msg.PublishedAt > after {
			count++
		}
	}
	return count, nil
}

// Channels returns a copy of all channel rows.
func (m *MemoryStore) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// WithdrawalLogs returns a copy of the recorded withdrawal snapshots.
func (m *MemoryStore) WithdrawalLogs() []WithdrawalLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]WithdrawalLog, len(m.withdrawals))
	copy(out, m.withdrawals)
	return out
}

// UsageLogs returns a copy of the recorded usage rows.
func (m *MemoryStore) UsageLogs() []UsageLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UsageLog, len(m.usage))
	copy(out, m.usage)
	return out
}

func (m *MemoryStore) Close() error {
	return nil
}
