package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/auth"
	"github.com/chatrelay/chatrelay/pkg/store"
)

func newTestSession(t *testing.T, infos ...store.JoinInfo) *Session {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})

	sess := newSession(1, serverEnd)
	sess.setAuthenticated(&auth.User{ID: "u"}, 1, infos)
	return sess
}

func TestSessionAuthentication(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	sess := newSession(1, serverEnd)
	require.False(t, sess.authenticated())
	require.Empty(t, sess.UserID())

	sess.setAuthenticated(&auth.User{ID: "u"}, 1, []store.JoinInfo{
		{Channel: "c1", UserID: "u", LastSentAt: 5},
	})
	require.True(t, sess.authenticated())
	require.Equal(t, "u", sess.UserID())
	require.ElementsMatch(t, []string{"c1"}, sess.Channels())
}

func TestSessionAttendLifecycle(t *testing.T) {
	sess := newTestSession(t, store.JoinInfo{Channel: "c1", UserID: "u"})

	require.False(t, sess.Attend("unknown"))
	require.Empty(t, sess.Attending())

	require.True(t, sess.Attend("c1"))
	require.Equal(t, "c1", sess.Attending())

	// Exit without a publish yields no usage marker.
	channel, _, ok := sess.Exit()
	require.Equal(t, "c1", channel)
	require.False(t, ok)
	require.Empty(t, sess.Attending())

	require.True(t, sess.Attend("c1"))
	sess.NotePublish("c1", 42)
	channel, last, ok := sess.Exit()
	require.Equal(t, "c1", channel)
	require.True(t, ok)
	require.Equal(t, float64(42), last)

	// The marker is consumed by exit.
	_, _, ok = sess.Exit()
	require.False(t, ok)
}

func TestSessionNotePublishScopedToAttended(t *testing.T) {
	sess := newTestSession(t,
		store.JoinInfo{Channel: "c1", UserID: "u"},
		store.JoinInfo{Channel: "c2", UserID: "u"},
	)
	require.True(t, sess.Attend("c1"))

	sess.NotePublish("c2", 10)
	_, _, ok := sess.Exit()
	require.False(t, ok, "publishes to other channels must not mark the attended one")
}

func TestSessionCursorMonotonicity(t *testing.T) {
	sess := newTestSession(t, store.JoinInfo{Channel: "c1", UserID: "u", LastReadAt: 10, LastSentAt: 10})
	require.True(t, sess.Attend("c1"))

	sess.AdvanceLastRead("c1", 5)
	info, _ := sess.JoinInfo("c1")
	require.Equal(t, float64(10), info.LastReadAt, "read cursor never moves backwards")

	sess.AdvanceLastRead("c1", 20)
	info, _ = sess.JoinInfo("c1")
	require.Equal(t, float64(20), info.LastReadAt)

	sess.SetLastSent("c1", 5)
	info, _ = sess.JoinInfo("c1")
	require.Equal(t, float64(10), info.LastSentAt, "sent cursor never moves backwards")

	sess.SetLastSent("c1", 30)
	info, _ = sess.JoinInfo("c1")
	require.Equal(t, float64(30), info.LastSentAt)
}

func TestSessionAdvanceLastReadOnlyWhileAttending(t *testing.T) {
	sess := newTestSession(t, store.JoinInfo{Channel: "c1", UserID: "u"})

	sess.AdvanceLastRead("c1", 10)
	info, _ := sess.JoinInfo("c1")
	require.Zero(t, info.LastReadAt, "cursors move only for the attended channel")
}

func TestSessionRemoveJoinInfoClearsAttendance(t *testing.T) {
	sess := newTestSession(t, store.JoinInfo{Channel: "c1", UserID: "u"})
	require.True(t, sess.Attend("c1"))
	sess.NotePublish("c1", 7)

	sess.RemoveJoinInfo("c1")
	require.Empty(t, sess.Attending())
	_, ok := sess.JoinInfo("c1")
	require.False(t, ok)
	_, _, hadMarker := sess.Exit()
	require.False(t, hadMarker)
}
