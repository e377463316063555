package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/pkg/protocol"
	"github.com/chatrelay/chatrelay/pkg/store"
)

// recentMessageLimit is how many messages get_channels returns per channel.
const recentMessageLimit = 20

// beforePageLimit caps a backward unread page.
const beforePageLimit = 100

type handlerFunc func(ctx context.Context, s *Server, sess *Session, doc []byte) error

// methodDesc drives pre-dispatch gating; gates run before any
// request-specific fields are decoded.
type methodDesc struct {
	handler           handlerFunc
	authRequired      bool
	inChannelRequired bool
}

var methods = map[string]methodDesc{
	protocol.MethodAuthenticate: {handler: handleAuthenticate},
	protocol.MethodCreate:       {handler: handleCreate, authRequired: true},
	protocol.MethodGetChannels:  {handler: handleGetChannels, authRequired: true},
	protocol.MethodUnread:       {handler: handleUnread, authRequired: true},
	protocol.MethodJoin:         {handler: handleJoin, authRequired: true},
	protocol.MethodWithdrawal:   {handler: handleWithdrawal, authRequired: true},
	protocol.MethodAttend:       {handler: handleAttend, authRequired: true},
	protocol.MethodExit:         {handler: handleExit, authRequired: true, inChannelRequired: true},
	protocol.MethodPublish:      {handler: handlePublish, authRequired: true, inChannelRequired: true},
	protocol.MethodAck:          {handler: handleAck, authRequired: true},
	protocol.MethodPing:         {handler: handlePing},
}

func handleAuthenticate(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.AuthenticateRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	// Credential fields are whatever the verifier expects; strip the
	// protocol fields and hand the rest over untouched.
	var credentials map[string]interface{}
	if err := protocol.Decode(doc, &credentials); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	delete(credentials, "method")
	delete(credentials, "protocol_version")

	user, err := s.authenticator.Authenticate(ctx, credentials)
	if err != nil || user == nil {
		return ErrAuthFailed
	}

	infos, err := s.store.JoinInfosByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load join infos: %w", err)
	}

	sess.setAuthenticated(user, req.ProtocolVersion, infos)
	for _, info := range infos {
		s.registry.Add(info.Channel, sess)
	}

	return sess.WriteReply(protocol.AuthenticateReply{
		Method: protocol.MethodAuthenticate,
		Status: protocol.StatusOK,
	})
}

func handleCreate(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.CreateRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrInvalidChannel
	}

	if req.PartnerID != "" {
		return createOneToOne(ctx, s, sess, req.PartnerID)
	}
	if len(req.PartnerIDs) == 0 {
		return ErrInvalidChannel
	}
	return createGroup(ctx, s, sess, req.PartnerIDs)
}

// createOneToOne reuses an existing 1:1 channel with the partner when one
// exists; otherwise it creates a fresh one.
func createOneToOne(ctx context.Context, s *Server, sess *Session, partnerID string) error {
	existing, err := findPrivateChannel(ctx, s, sess, partnerID)
	if err != nil {
		return err
	}
	if existing != "" {
		return sess.WriteReply(protocol.CreateReply{
			Method:    protocol.MethodCreate,
			Channel:   existing,
			PartnerID: partnerID,
		})
	}

	channel, err := createChannel(ctx, s, sess, []string{sess.UserID(), partnerID}, false)
	if err != nil {
		return err
	}
	return sess.WriteReply(protocol.CreateReply{
		Method:    protocol.MethodCreate,
		Channel:   channel,
		PartnerID: partnerID,
	})
}

func createGroup(ctx context.Context, s *Server, sess *Session, partnerIDs []string) error {
	members := append([]string{sess.UserID()}, partnerIDs...)
	channel, err := createChannel(ctx, s, sess, members, true)
	if err != nil {
		return err
	}
	return sess.WriteReply(protocol.CreateReply{
		Method:     protocol.MethodCreate,
		Channel:    channel,
		PartnerIDs: partnerIDs,
	})
}

// findPrivateChannel scans the user's non-group memberships for one shared
// with partnerID.
func findPrivateChannel(ctx context.Context, s *Server, sess *Session, partnerID string) (string, error) {
	infos := sess.JoinInfos()
	if len(infos) == 0 {
		return "", nil
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Channel)
	}
	channels, err := s.store.BatchGetChannels(ctx, names)
	if err != nil {
		return "", fmt.Errorf("batch get channels: %w", err)
	}

	for _, info := range infos {
		ch, ok := channels[info.Channel]
		if !ok || ch.IsGroupChat {
			continue
		}
		members, err := s.store.JoinInfosByChannel(ctx, info.Channel)
		if err != nil {
			return "", fmt.Errorf("load channel members: %w", err)
		}
		for _, member := range members {
			if member.UserID == partnerID {
				return info.Channel, nil
			}
		}
	}
	return "", nil
}

// createChannel inserts the channel with its members, subscribes the
// creator locally and announces the channel on the control topic so peer
// instances can subscribe the other members' sessions.
func createChannel(ctx context.Context, s *Server, sess *Session, userIDs []string, isGroupChat bool) (string, error) {
	name := uuid.NewString()
	channel, infos, err := s.store.CreateChannelWithMembers(ctx, name, userIDs, isGroupChat)
	if err != nil {
		return "", fmt.Errorf("create channel: %w", err)
	}

	var others []string
	for _, info := range infos {
		if info.UserID == sess.UserID() {
			sess.AddJoinInfo(info)
			s.registry.Add(channel.Name, sess)
		} else {
			others = append(others, info.UserID)
		}
	}

	announce, err := protocol.Encode(protocol.CreateChannelEnvelope{
		Channel: channel.Name,
		Users:   others,
	})
	if err != nil {
		return "", err
	}
	if err := s.bus.Publish(ctx, protocol.ControlTopic, announce); err != nil {
		return "", fmt.Errorf("announce channel: %w", err)
	}
	return channel.Name, nil
}

func handleGetChannels(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	infos := sess.JoinInfos()

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Channel)
	}
	channels, err := s.store.BatchGetChannels(ctx, names)
	if err != nil {
		return fmt.Errorf("batch get channels: %w", err)
	}

	now := s.clock()
	users := make(map[string]struct{})
	summaries := make([]protocol.ChannelSummary, 0, len(infos))

	for _, info := range infos {
		channel, ok := channels[info.Channel]
		if !ok {
			continue
		}

		recent, err := s.store.QueryMessages(ctx, info.Channel, store.MessageQuery{
			Limit:       recentMessageLimit,
			NewestFirst: true,
		})
		if err != nil {
			return fmt.Errorf("query recent messages: %w", err)
		}
		// Empty 1:1 channels stay invisible until someone writes.
		if len(recent) == 0 && !channel.IsGroupChat {
			continue
		}

		members, err := s.store.JoinInfosByChannel(ctx, info.Channel)
		if err != nil {
			return fmt.Errorf("load channel members: %w", err)
		}
		var memberDocs []protocol.JoinInfoDoc
		for _, member := range members {
			if member.UserID == sess.UserID() {
				continue
			}
			users[member.UserID] = struct{}{}
			memberDocs = append(memberDocs, protocol.JoinInfoDoc{
				User:       member.UserID,
				JoinedAt:   member.JoinedAt,
				LastReadAt: member.LastReadAt,
			})
		}

		unread, err := s.store.CountMessages(ctx, info.Channel, info.LastReadAt)
		if err != nil {
			return fmt.Errorf("count unread: %w", err)
		}

		summaries = append(summaries, protocol.ChannelSummary{
			Channel:        info.Channel,
			UnreadCount:    int32(unread),
			RecentMessages: messageDocs(recent, false),
			JoinInfos:      memberDocs,
			IsGroupChat:    channel.IsGroupChat,
		})

		if err := s.advanceLastSent(ctx, sess, info.Channel, now); err != nil {
			return err
		}
	}

	reply := protocol.GetChannelsReply{
		Method:   protocol.MethodGetChannels,
		Users:    make([]string, 0, len(users)),
		Channels: summaries,
	}
	for user := range users {
		reply.Users = append(reply.Users, user)
	}
	return sess.WriteReply(reply)
}

func handleUnread(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.UnreadRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrInvalidChannel
	}

	infos := sess.JoinInfos()
	if req.Channel != "" {
		var filtered []store.JoinInfo
		for _, info := range infos {
			if info.Channel == req.Channel {
				filtered = append(filtered, info)
			}
		}
		if len(filtered) == 0 {
			return ErrInvalidChannel
		}
		infos = filtered
	}

	var messages []protocol.MessageDoc
	var produced []string
	for _, info := range infos {
		var q store.MessageQuery
		if req.Before != nil {
			q = store.MessageQuery{Before: req.Before, NewestFirst: true, Limit: beforePageLimit}
		} else {
			after := info.LastSentAt
			q = store.MessageQuery{After: &after}
		}

		found, err := s.store.QueryMessages(ctx, info.Channel, q)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		if len(found) > 0 {
			produced = append(produced, info.Channel)
			messages = append(messages, messageDocs(found, true)...)
		}
	}

	if err := sess.WriteReply(protocol.UnreadReply{
		Method:   protocol.MethodUnread,
		Messages: messages,
	}); err != nil {
		return err
	}

	// Cursors advance only after the messages hit the socket, and only
	// for channels that actually produced messages.
	now := s.clock()
	for _, channel := range produced {
		if err := s.advanceLastSent(ctx, sess, channel, now); err != nil {
			s.log.Error().Err(err).Str("channel", channel).Msg("cursor update failed")
		}
	}
	return nil
}

func handleJoin(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.JoinRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrInvalidChannel
	}

	channel, err := s.store.GetChannel(ctx, req.Channel)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}
	if !channel.IsGroupChat {
		return ErrNotGroupChat
	}

	members, err := s.store.JoinInfosByChannel(ctx, channel.Name)
	if err != nil {
		return fmt.Errorf("load channel members: %w", err)
	}
	memberIDs := make([]string, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.UserID)
	}

	if _, err := s.publishMessage(ctx, sess, channel.Name, "join", ""); err != nil {
		return err
	}

	info := store.JoinInfo{
		Channel:  channel.Name,
		UserID:   sess.UserID(),
		JoinedAt: s.clock(),
	}
	if err := s.store.PutJoinInfo(ctx, &info); err != nil {
		return fmt.Errorf("put join info: %w", err)
	}
	sess.AddJoinInfo(info)
	s.registry.Add(channel.Name, sess)

	return sess.WriteReply(protocol.JoinReply{
		Method:     protocol.MethodJoin,
		Channel:    channel.Name,
		PartnerIDs: memberIDs,
	})
}

func handleWithdrawal(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.WithdrawalRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrInvalidChannel
	}

	channel, err := s.store.GetChannel(ctx, req.Channel)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}
	if !channel.IsGroupChat {
		return ErrNotGroupChat
	}

	info, err := s.store.GetJoinInfo(ctx, channel.Name, sess.UserID())
	if errors.Is(err, store.ErrNotFound) {
		// Not a member: withdrawing is idempotent.
		return sess.WriteReply(protocol.WithdrawalReply{
			Method:  protocol.MethodWithdrawal,
			Channel: channel.Name,
		})
	}
	if err != nil {
		return fmt.Errorf("get join info: %w", err)
	}

	// Snapshot the membership before removing it; a user is either a
	// member or has an audit record.
	if snapshot, ok := sess.JoinInfo(channel.Name); ok {
		info = &snapshot
	}
	if err := s.store.PutWithdrawalLog(ctx, &store.WithdrawalLog{
		Channel:     info.Channel,
		UserID:      info.UserID,
		JoinedAt:    info.JoinedAt,
		LastReadAt:  info.LastReadAt,
		WithdrawnAt: s.clock(),
	}); err != nil {
		return fmt.Errorf("put withdrawal log: %w", err)
	}
	if err := s.store.DeleteJoinInfo(ctx, channel.Name, sess.UserID()); err != nil {
		return fmt.Errorf("delete join info: %w", err)
	}

	sess.RemoveJoinInfo(channel.Name)
	s.registry.Remove(channel.Name, sess)

	if err := sess.WriteReply(protocol.WithdrawalReply{
		Method:  protocol.MethodWithdrawal,
		Channel: channel.Name,
	}); err != nil {
		return err
	}

	_, err = s.publishMessage(ctx, sess, channel.Name, "withdrawal", "")
	return err
}

func handleAttend(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.AttendRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrNotMember
	}

	members, err := s.store.JoinInfosByChannel(ctx, req.Channel)
	if err != nil {
		return fmt.Errorf("load channel members: %w", err)
	}

	var mine *store.JoinInfo
	var others []store.JoinInfo
	for i := range members {
		if members[i].UserID == sess.UserID() {
			mine = &members[i]
		} else {
			others = append(others, members[i])
		}
	}
	if mine == nil {
		return ErrNotMember
	}
	if len(others) == 0 {
		return ErrInvalidChannel
	}

	channel, err := s.store.GetChannel(ctx, req.Channel)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}

	// Refresh the session snapshot with the stored cursors before
	// focusing; sessions opened before a join elsewhere may be stale.
	sess.AddJoinInfo(*mine)
	if !sess.Attend(req.Channel) {
		return ErrNotMember
	}

	var lastRead interface{}
	if channel.IsGroupChat {
		byUser := make(map[string]float64, len(others))
		for _, other := range others {
			byUser[other.UserID] = other.LastReadAt
		}
		lastRead = byUser
	} else {
		lastRead = others[0].LastReadAt
	}

	return sess.WriteReply(protocol.AttendReply{
		Method:   protocol.MethodAttend,
		Channel:  req.Channel,
		LastRead: lastRead,
	})
}

func handleExit(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	s.finishExit(sess)
	return nil
}

func handlePublish(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.PublishRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrBlankMessage
	}
	if strings.TrimSpace(req.Message) == "" {
		return ErrBlankMessage
	}

	// The dispatcher delivers the fan-out, including back to this
	// session; no direct reply here.
	_, err := s.publishMessage(ctx, sess, sess.Attending(), req.Type, req.Message)
	return err
}

func handleAck(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	var req protocol.AckRequest
	if err := protocol.Decode(doc, &req); err != nil {
		return ErrInvalidChannel
	}

	env := protocol.AckEnvelope{
		Method:      protocol.MethodAck,
		Channel:     req.Channel,
		Sender:      sess.UserID(),
		PublishedAt: req.PublishedAt,
	}
	encoded, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, req.Channel, encoded); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}

	s.enqueueAsync(env, s.cfg.AuditQueue)
	return nil
}

func handlePing(ctx context.Context, s *Server, sess *Session, doc []byte) error {
	return sess.WriteReply(protocol.PingReply{
		Method: protocol.MethodPing,
		Time:   s.clock(),
	})
}

// advanceLastSent persists a forward move of last_sent_at and mirrors it
// into the session snapshot.
func (s *Server) advanceLastSent(ctx context.Context, sess *Session, channel string, now float64) error {
	info, ok := sess.JoinInfo(channel)
	if !ok {
		return nil
	}
	if now > info.LastSentAt {
		info.LastSentAt = now
	}
	if err := s.store.PutJoinInfo(ctx, &info); err != nil {
		return fmt.Errorf("put join info: %w", err)
	}
	sess.SetLastSent(channel, now)
	return nil
}

func messageDocs(msgs []store.Message, includeChannel bool) []protocol.MessageDoc {
	out := make([]protocol.MessageDoc, 0, len(msgs))
	for _, msg := range msgs {
		doc := protocol.MessageDoc{
			Type:        msg.Type,
			Message:     msg.Message,
			Writer:      msg.Writer,
			PublishedAt: msg.PublishedAt,
		}
		if includeChannel {
			doc.Channel = msg.Channel
		}
		out = append(out, doc)
	}
	return out
}
