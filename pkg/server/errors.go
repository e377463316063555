package server

import (
	"errors"

	"github.com/chatrelay/chatrelay/pkg/store"
)

// Protocol error taxonomy. Fatal kinds drop the connection after a best
// effort error reply; the rest are reported in band and the session
// continues.
var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrUnauthenticated = errors.New("authentication required")
	ErrNotAttending    = errors.New("not attending a channel")
	ErrInvalidChannel  = errors.New("not a valid channel")
	ErrNotGroupChat    = errors.New("not a group chat")
	ErrNotMember       = errors.New("not a member of the channel")
	ErrBlankMessage    = errors.New("blank message")
	ErrUnknownMethod   = errors.New("unknown method")
)

// reasons are the client-visible strings carried in error replies.
var reasons = map[error]string{
	ErrAuthFailed:      "Authentication failed",
	ErrUnauthenticated: "Authentication required",
	ErrNotAttending:    "Not attending a channel",
	ErrInvalidChannel:  "Not a valid channel",
	ErrNotGroupChat:    "Not a group chat",
	ErrNotMember:       "Not a member of the channel",
	ErrBlankMessage:    "Blank message is not accepted",
	ErrUnknownMethod:   "Unknown method",
}

const reasonStorageError = "Storage error"

// isFatal reports whether the error must close the connection.
func isFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrNotAttending) ||
		errors.Is(err, ErrUnknownMethod)
}

// reasonFor translates an error into the reply reason. Store misses are
// already translated by handlers; anything left is a storage failure.
func reasonFor(err error) string {
	for sentinel, reason := range reasons {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return reasons[ErrInvalidChannel]
	}
	return reasonStorageError
}
