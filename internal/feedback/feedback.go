// Package feedback defines the value types passed between the stream
// sessions, the match engine and the sender. Everything here is copied by
// value across goroutine boundaries; nothing holds a reference into live
// registry state.
package feedback

import "time"

// ChatMessage is one parsed chat line. FromStart is the wall-clock offset
// from the recorded broadcast start, computed at parse time.
type ChatMessage struct {
	Nickname  string
	Text      string
	FromStart time.Duration
}

// Recipient identifies one user as a delivery target.
type Recipient struct {
	Name   string
	ChatID int64
}

// Subscriber is a point-in-time snapshot of one subscription: the pattern is
// resolved from the user's hook table when the snapshot is taken, so hook
// replacements affect matching of subsequent messages.
type Subscriber struct {
	Recipient
	Pattern   string
	Threshold float64
}

// StreamFeedback is the unit handed from a stream session to the match
// engine: one chat message plus the session's subscriber snapshot.
type StreamFeedback struct {
	Streamer    string
	Message     ChatMessage
	Subscribers []Subscriber
}

// MatchedFeedback is the unit handed from the match engine to the sender:
// the message plus the users whose pattern passed, in subscriber order.
type MatchedFeedback struct {
	Streamer   string
	Message    ChatMessage
	Recipients []Recipient
}

// Notification is a plain-text administrative notice for a set of users.
type Notification struct {
	Recipients []Recipient
	Text       string
}
