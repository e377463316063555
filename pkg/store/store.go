package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Channel is a named conversation, 1:1 or group.
type Channel struct {
	Name        string
	IsGroupChat bool
}

// JoinInfo links a user to a channel and carries that user's cursors.
// Timestamps are seconds since the Unix epoch, matching the wire format.
type JoinInfo struct {
	Channel    string
	UserID     string
	JoinedAt   float64
	LastReadAt float64
	LastSentAt float64
}

// Message is one stored chat message, keyed (channel, published_at).
type Message struct {
	Channel     string
	PublishedAt float64
	Writer      string
	Type        string
	Message     string
}

// WithdrawalLog snapshots a JoinInfo at the moment of withdrawal.
type WithdrawalLog struct {
	Channel     string
	UserID      string
	JoinedAt    float64
	LastReadAt  float64
	WithdrawnAt float64
}

// UsageLog records the last publish timestamp seen when a user detached
// from a channel, keyed by calendar day.
type UsageLog struct {
	Date            string // YYYY-MM-DD, UTC
	Channel         string
	LastPublishedAt float64
}

// MessageQuery narrows a message range scan within one channel.
type MessageQuery struct {
	Before      *float64 // published_at <= Before
	After       *float64 // published_at > After
	Limit       int      // 0 means no limit
	NewestFirst bool
}

// HistoryStore is the durable backend for channels, memberships, messages
// and audit rows. Implementations must be safe for concurrent use. Missing
// rows surface as ErrNotFound; everything else is a storage error.
type HistoryStore interface {
	// CreateChannelWithMembers atomically inserts the channel row and one
	// JoinInfo per member, all stamped with the same joined_at.
	CreateChannelWithMembers(ctx context.Context, name string, userIDs []string, isGroupChat bool) (*Channel, []JoinInfo, error)
	GetChannel(ctx context.Context, name string) (*Channel, error)
	BatchGetChannels(ctx context.Context, names []string) (map[string]*Channel, error)

	JoinInfosByUser(ctx context.Context, userID string) ([]JoinInfo, error)
	JoinInfosByChannel(ctx context.Context, channel string) ([]JoinInfo, error)
	GetJoinInfo(ctx context.Context, channel, userID string) (*JoinInfo, error)
	PutJoinInfo(ctx context.Context, info *JoinInfo) error
	DeleteJoinInfo(ctx context.Context, channel, userID string) error

	PutWithdrawalLog(ctx context.Context, log *WithdrawalLog) error
	PutUsageLog(ctx context.Context, log *UsageLog) error

	PutMessage(ctx context.Context, msg *Message) error
	QueryMessages(ctx context.Context, channel string, q MessageQuery) ([]Message, error)
	CountMessages(ctx context.Context, channel string, after float64) (int, error)

	Close() error
}
