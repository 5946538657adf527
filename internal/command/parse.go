// Package command parses the free-text bot commands into a closed set of
// typed command values.
package command

import (
	"strconv"
	"strings"
)

type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindStopAll
	KindHook
	KindHooks
	KindThreshold
	KindHelp
)

// Command is the parsed form of one user command. Only the fields relevant
// for the Kind are set.
type Command struct {
	Kind      Kind
	Streamer  string
	HookName  string
	HookText  string
	Threshold float64
}

// ParseError is a user input error; its text is sent back to the user
// verbatim and never propagates past the command handler.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func parseErr(reason string) error { return &ParseError{Reason: reason} }

const HelpText = `Supported commands:
/start streamer hook - start tracking streamer with hook
/stop streamer - stop tracking streamer
/stop_all - stop tracking everyone
/hook name: words - set or replace a hook pattern
/hooks - show all hooks
/threshold value - set threshold (0.0 - 1.0), default 0.5
/? - this message`

// Parse splits text into a command name and an argument tail and dispatches
// on the name. Unknown names and malformed arguments yield a ParseError.
func Parse(text string) (Command, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/start":
		return parseStart(rest)
	case "/stop":
		return parseStop(rest)
	case "/stop_all":
		if rest != "" {
			return Command{}, parseErr("Unexpected stop_all command arguments")
		}
		return Command{Kind: KindStopAll}, nil
	case "/hook":
		return parseHook(rest)
	case "/hooks":
		if rest != "" {
			return Command{}, parseErr("Unexpected hooks command arguments")
		}
		return Command{Kind: KindHooks}, nil
	case "/threshold":
		return parseThreshold(rest)
	case "/?":
		return Command{Kind: KindHelp}, nil
	}
	return Command{}, parseErr("Unknown command " + name)
}

func parseStart(rest string) (Command, error) {
	values := strings.Fields(rest)
	if len(values) < 2 {
		return Command{}, parseErr("Too few start command arguments")
	}
	if len(values) > 2 {
		return Command{}, parseErr("Too many start command arguments")
	}
	return Command{Kind: KindStart, Streamer: values[0], HookName: values[1]}, nil
}

func parseStop(rest string) (Command, error) {
	values := strings.Fields(rest)
	if len(values) != 1 {
		return Command{}, parseErr("Unexpected stop command arguments")
	}
	return Command{Kind: KindStop, Streamer: values[0]}, nil
}

func parseHook(rest string) (Command, error) {
	name, words, _ := strings.Cut(rest, " ")
	words = strings.TrimSpace(words)
	if !strings.HasSuffix(name, ":") || len(name) < 2 {
		return Command{}, parseErr("Hook name not found")
	}
	if words == "" {
		return Command{}, parseErr("Empty words list")
	}
	return Command{Kind: KindHook, HookName: strings.TrimSuffix(name, ":"), HookText: words}, nil
}

func parseThreshold(rest string) (Command, error) {
	values := strings.Fields(rest)
	if len(values) == 0 {
		return Command{}, parseErr("Too few threshold command arguments")
	}
	if len(values) > 1 {
		return Command{}, parseErr("Too many threshold command arguments")
	}
	value, err := strconv.ParseFloat(values[0], 64)
	if err != nil {
		return Command{}, parseErr("Unexpected threshold value")
	}
	if value < 0.0 || value > 1.0 {
		return Command{}, parseErr("Wrong threshold value (0.0 <= value <= 1.0)")
	}
	return Command{Kind: KindThreshold, Threshold: value}, nil
}
