package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxFrameSize    = 1024
	MaxUsernameSize = 31
	MaxRoomSize     = 31

	DefaultRoom = "general"
	ExitAck     = "SERVER_EXIT_ACK\n"

	joinPrefix = "JOIN:"
	pmPrefix   = "/pm "
	roomPrefix = "/join "
	exitPrefix = "/exit"
)

var (
	ErrNotJoin         = errors.New("first line is not a JOIN command")
	ErrEmptyUsername   = errors.New("username is empty")
	ErrUsernameTooLong = errors.New("username is too long")

	ExpectedJoin = Frame("* Error: expected JOIN:<username>")
	ServerFull   = Frame("* Error: server is full")
)

type CommandType int

const (
	CommandChat CommandType = iota
	CommandPM
	CommandJoin
	CommandExit
	CommandMalformed
)

func (t CommandType) String() string {
	switch t {
	case CommandChat:
		return "chat"
	case CommandPM:
		return "pm"
	case CommandJoin:
		return "join"
	case CommandExit:
		return "exit"
	default:
		return "malformed"
	}
}

// Command is one parsed client line after registration.
// Only the fields relevant to Type are populated.
type Command struct {
	Type CommandType
	To   string // pm recipient
	Room string // join target
	Text string // pm or chat body
}

// ParseJoin extracts the username from a "JOIN:<username>" line. Like a
// scanf %s, the username is the first whitespace-free token after the colon.
func ParseJoin(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, joinPrefix) {
		return "", ErrNotJoin
	}

	fields := strings.Fields(line[len(joinPrefix):])
	if len(fields) == 0 {
		return "", ErrEmptyUsername
	}

	name := fields[0]
	if len(name) > MaxUsernameSize {
		return "", fmt.Errorf("%w: %d bytes, max %d", ErrUsernameTooLong, len(name), MaxUsernameSize)
	}
	return name, nil
}

// ParseCommand classifies a line read from a registered client.
func ParseCommand(line string) Command {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, pmPrefix):
		rest := line[len(pmPrefix):]
		to, text, ok := strings.Cut(rest, " ")
		if !ok || to == "" {
			return Command{Type: CommandMalformed}
		}
		return Command{Type: CommandPM, To: to, Text: text}

	case strings.HasPrefix(line, roomPrefix):
		room := truncate(line[len(roomPrefix):], MaxRoomSize)
		if room == "" {
			return Command{Type: CommandMalformed}
		}
		return Command{Type: CommandJoin, Room: room}

	case strings.HasPrefix(line, exitPrefix):
		return Command{Type: CommandExit}

	case line == "":
		return Command{Type: CommandMalformed}

	default:
		return Command{Type: CommandChat, Text: line}
	}
}

// Frame terminates s with a newline and caps it at MaxFrameSize bytes,
// keeping the newline.
func Frame(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return truncate(s, MaxFrameSize-1) + "\n"
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func Welcome(user string) string {
	return Frame(fmt.Sprintf("* Welcome to the chat, %s!\n"+
		"Available commands:\n"+
		"  /join <room>  - Join a chat room\n"+
		"  /pm <user> <message>  - Send a private message to a user\n"+
		"  /exit  - Leave the chat\n"+
		"You are currently in the '%s' room.", user, DefaultRoom))
}

func Joined(user string) string     { return Frame(fmt.Sprintf("* %s has joined the chat", user)) }
func Left(user string) string       { return Frame(fmt.Sprintf("* %s has left the chat", user)) }
func RoomJoined(user string) string { return Frame(fmt.Sprintf("* %s has joined the room", user)) }
func RoomLeft(user string) string   { return Frame(fmt.Sprintf("* %s has left the room", user)) }
func RoomConfirm(room string) string {
	return Frame(fmt.Sprintf("* You have joined room: %s", room))
}

func Chat(user, text string) string   { return Frame(fmt.Sprintf("%s: %s", user, text)) }
func PMFrom(user, text string) string { return Frame(fmt.Sprintf("[PM from %s]: %s", user, text)) }
func PMTo(user, text string) string   { return Frame(fmt.Sprintf("[PM to %s]: %s", user, text)) }

func UserNotFound(user string) string {
	return Frame(fmt.Sprintf("* Error: User '%s' not found", user))
}

func UsernameTaken(user string) string {
	return Frame(fmt.Sprintf("* Error: Username '%s' is already taken", user))
}

// ErrorText renders a handshake failure for the client.
func ErrorText(err error) string {
	return Frame("* Error: " + err.Error())
}
