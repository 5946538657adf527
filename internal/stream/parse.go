package stream

import (
	"strings"
	"time"

	"streamwatch/internal/feedback"
)

// parseChatLine extracts a chat message from one raw IRC line. The expected
// shape is `<prefix> PRIVMSG <channel> :<text>`; anything else is not a chat
// line. The offset is wall-clock now minus the recorded broadcast start, so
// it is advisory only.
func parseChatLine(line string, startedAt time.Time, now time.Time) (feedback.ChatMessage, bool) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) != 4 || parts[1] != "PRIVMSG" {
		return feedback.ChatMessage{}, false
	}

	prefix := strings.TrimPrefix(parts[0], ":")
	nickname, _, _ := strings.Cut(prefix, "!")

	text := strings.TrimPrefix(parts[3], ":")
	text, _, _ = strings.Cut(text, "\r\n")

	return feedback.ChatMessage{
		Nickname:  nickname,
		Text:      text,
		FromStart: now.Sub(startedAt),
	}, true
}
