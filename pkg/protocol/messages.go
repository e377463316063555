package protocol

// Request envelopes (client → server).

// AuthenticateRequest carries the protocol version plus verifier-specific
// credential fields, which stay in the raw document and are handed to the
// authenticator undecoded.
type AuthenticateRequest struct {
	Method          string `bson:"method"`
	ProtocolVersion int32  `bson:"protocol_version,omitempty"`
}

// CreateRequest asks for a 1:1 channel (PartnerID) or a group channel
// (PartnerIDs). Exactly one of the two is set.
type CreateRequest struct {
	Method     string   `bson:"method"`
	PartnerID  string   `bson:"partner_id,omitempty"`
	PartnerIDs []string `bson:"partner_ids,omitempty"`
}

type GetChannelsRequest struct {
	Method string `bson:"method"`
}

// UnreadRequest: Channel narrows to one membership, Before switches to a
// backward page of at most 100 messages.
type UnreadRequest struct {
	Method  string   `bson:"method"`
	Channel string   `bson:"channel,omitempty"`
	Before  *float64 `bson:"before,omitempty"`
}

type JoinRequest struct {
	Method  string `bson:"method"`
	Channel string `bson:"channel"`
}

type WithdrawalRequest struct {
	Method  string `bson:"method"`
	Channel string `bson:"channel"`
}

type AttendRequest struct {
	Method  string `bson:"method"`
	Channel string `bson:"channel"`
}

type ExitRequest struct {
	Method string `bson:"method"`
}

type PublishRequest struct {
	Method  string `bson:"method"`
	Type    string `bson:"type"`
	Message string `bson:"message"`
}

type AckRequest struct {
	Method      string  `bson:"method"`
	Channel     string  `bson:"channel"`
	PublishedAt float64 `bson:"published_at"`
}

type PingRequest struct {
	Method string `bson:"method"`
}

// Reply envelopes (server → client, written only by the owning session).

type AuthenticateReply struct {
	Method string `bson:"method"`
	Status string `bson:"status"`
}

// CreateReply mirrors the request shape: PartnerID for 1:1 channels,
// PartnerIDs for group channels.
type CreateReply struct {
	Method     string   `bson:"method"`
	Channel    string   `bson:"channel"`
	PartnerID  string   `bson:"partner_id,omitempty"`
	PartnerIDs []string `bson:"partner_ids,omitempty"`
}

// ChannelSummary is one entry in a GetChannelsReply.
type ChannelSummary struct {
	Channel        string        `bson:"channel"`
	UnreadCount    int32         `bson:"unread_count"`
	RecentMessages []MessageDoc  `bson:"recent_messages"`
	JoinInfos      []JoinInfoDoc `bson:"join_infos"`
	IsGroupChat    bool          `bson:"is_group_chat"`
}

// MessageDoc is the wire form of a stored message.
type MessageDoc struct {
	Channel     string  `bson:"channel,omitempty"`
	Type        string  `bson:"type,omitempty"`
	Message     string  `bson:"message"`
	Writer      string  `bson:"writer"`
	PublishedAt float64 `bson:"published_at"`
}

// JoinInfoDoc describes another member's cursor state.
type JoinInfoDoc struct {
	User       string  `bson:"user"`
	JoinedAt   float64 `bson:"joined_at"`
	LastReadAt float64 `bson:"last_read_at"`
}

type GetChannelsReply struct {
	Method   string           `bson:"method"`
	Users    []string         `bson:"users"`
	Channels []ChannelSummary `bson:"channels"`
}

type UnreadReply struct {
	Method   string       `bson:"method"`
	Messages []MessageDoc `bson:"messages"`
}

type JoinReply struct {
	Method     string   `bson:"method"`
	Channel    string   `bson:"channel"`
	PartnerIDs []string `bson:"partner_ids"`
}

type WithdrawalReply struct {
	Method  string `bson:"method"`
	Channel string `bson:"channel"`
}

// AttendReply.LastRead is a map of user id → last_read_at for group chats
// and the partner's bare last_read_at for 1:1 channels.
type AttendReply struct {
	Method   string      `bson:"method"`
	Channel  string      `bson:"channel"`
	LastRead interface{} `bson:"last_read"`
}

type PingReply struct {
	Method string  `bson:"method"`
	Time   float64 `bson:"time"`
}

// ErrorReply reports a non-fatal handler failure in band.
type ErrorReply struct {
	Method string `bson:"method"`
	Status string `bson:"status"`
	Reason string `bson:"reason"`
}

// StatusError is the Status value of an ErrorReply.
const StatusError = "ERROR"

// StatusOK is the Status value of a successful AuthenticateReply.
const StatusOK = "OK"

// Bus envelopes. These flow through the bus and are written verbatim to
// client transports by the dispatcher, so their wire form doubles as the
// client-visible form.

// PublishEnvelope is a server-stamped chat message. Message is kept even
// when empty: join and withdrawal control publishes carry no body. The
// json tags cover the queue payloads, which travel as JSON.
type PublishEnvelope struct {
	Method      string  `bson:"method" json:"method"`
	Type        string  `bson:"type" json:"type"`
	Channel     string  `bson:"channel" json:"channel"`
	Message     string  `bson:"message" json:"message"`
	Writer      string  `bson:"writer" json:"writer"`
	PublishedAt float64 `bson:"published_at" json:"published_at"`
}

// AckEnvelope echoes a read acknowledgement to channel members.
type AckEnvelope struct {
	Method      string  `bson:"method" json:"method"`
	Channel     string  `bson:"channel" json:"channel"`
	Sender      string  `bson:"sender" json:"sender"`
	PublishedAt float64 `bson:"published_at" json:"published_at"`
}

// CreateChannelEnvelope travels on the control topic so peer instances can
// subscribe the named users' live sessions to the new channel.
type CreateChannelEnvelope struct {
	Channel string   `bson:"channel"`
	Users   []string `bson:"users"`
}
