package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxDatagram is the largest UDP payload we will ever read or write.
const MaxDatagram = 65507

// Reasons carried by a handshake ERR reply.
const (
	ReasonNotFound = "NOT_FOUND"
	ReasonNoPort   = "NO_PORT"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message")
)

// Kind identifies one of the seven message layouts on the wire.
type Kind int

const (
	KindDownload Kind = iota + 1
	KindHandshakeOK
	KindHandshakeErr
	KindBlockRequest
	KindBlockReply
	KindClose
	KindCloseOK
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "DOWNLOAD"
	case KindHandshakeOK:
		return "OK"
	case KindHandshakeErr:
		return "ERR"
	case KindBlockRequest:
		return "GET"
	case KindBlockReply:
		return "DATA"
	case KindClose:
		return "CLOSE"
	case KindCloseOK:
		return "CLOSE_OK"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(k)) + ")"
	}
}

// Message is the decoded form of any datagram exchanged between client and
// server. Only the fields relevant to Kind are populated.
type Message struct {
	Kind     Kind
	Filename string

	Size   int64  // KindHandshakeOK
	Port   int    // KindHandshakeOK
	Reason string // KindHandshakeErr

	Start int64  // KindBlockRequest, KindBlockReply
	End   int64  // inclusive
	Data  []byte // KindBlockReply, already decoded
}

func Download(filename string) Message {
	return Message{Kind: KindDownload, Filename: filename}
}

func HandshakeOK(filename string, size int64, port int) Message {
	return Message{Kind: KindHandshakeOK, Filename: filename, Size: size, Port: port}
}

func HandshakeErr(filename, reason string) Message {
	return Message{Kind: KindHandshakeErr, Filename: filename, Reason: reason}
}

func BlockRequest(filename string, start, end int64) Message {
	return Message{Kind: KindBlockRequest, Filename: filename, Start: start, End: end}
}

func BlockReply(filename string, start, end int64, data []byte) Message {
	return Message{Kind: KindBlockReply, Filename: filename, Start: start, End: end, Data: data}
}

func Close(filename string) Message {
	return Message{Kind: KindClose, Filename: filename}
}

func CloseOK(filename string) Message {
	return Message{Kind: KindCloseOK, Filename: filename}
}

// Len reports the number of bytes a block range covers.
func (m Message) Len() int64 {
	return m.End - m.Start + 1
}

// Encode renders the message in its space-delimited text form.
func (m Message) Encode() []byte {
	var s string
	switch m.Kind {
	case KindDownload:
		s = "DOWNLOAD " + m.Filename
	case KindHandshakeOK:
		s = fmt.Sprintf("OK %s SIZE %d PORT %d", m.Filename, m.Size, m.Port)
	case KindHandshakeErr:
		reason := m.Reason
		if reason == "" {
			reason = ReasonNotFound
		}
		s = fmt.Sprintf("ERR %s %s", m.Filename, reason)
	case KindBlockRequest:
		s = fmt.Sprintf("FILE %s GET START %d END %d", m.Filename, m.Start, m.End)
	case KindBlockReply:
		s = fmt.Sprintf("FILE %s OK START %d END %d DATA %s",
			m.Filename, m.Start, m.End, base64.StdEncoding.EncodeToString(m.Data))
	case KindClose:
		s = "FILE " + m.Filename + " CLOSE"
	case KindCloseOK:
		s = "FILE " + m.Filename + " CLOSE_OK"
	default:
		return nil
	}
	return []byte(s)
}

func (m Message) String() string {
	if m.Kind == KindBlockReply {
		return fmt.Sprintf("FILE %s OK START %d END %d DATA <%d bytes>", m.Filename, m.Start, m.End, len(m.Data))
	}
	return string(m.Encode())
}

// Parse decodes a datagram. The filename is located by anchoring the fixed
// keywords at the tail of each layout, so names containing spaces survive.
func Parse(b []byte) (Message, error) {
	s := strings.TrimSpace(string(b))
	head, rest, _ := strings.Cut(s, " ")
	switch head {
	case "DOWNLOAD":
		name := strings.TrimSpace(rest)
		if name == "" {
			return Message{}, fmt.Errorf("%w: DOWNLOAD without filename", ErrMalformed)
		}
		return Download(name), nil
	case "OK":
		return parseOK(rest)
	case "ERR":
		return parseErr(rest)
	case "FILE":
		return parseFile(rest)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, head)
	}
}

func parseOK(rest string) (Message, error) {
	parts := strings.Split(rest, " ")
	n := len(parts)
	if n < 5 || parts[n-4] != "SIZE" || parts[n-2] != "PORT" {
		return Message{}, fmt.Errorf("%w: handshake reply %q", ErrMalformed, rest)
	}
	name, err := joinName(parts[:n-4])
	if err != nil {
		return Message{}, err
	}
	size, err := parseOffset(parts[n-3])
	if err != nil {
		return Message{}, err
	}
	port, err := strconv.Atoi(parts[n-1])
	if err != nil || port <= 0 || port > 65535 {
		return Message{}, fmt.Errorf("%w: port %q", ErrMalformed, parts[n-1])
	}
	return HandshakeOK(name, size, port), nil
}

func parseErr(rest string) (Message, error) {
	parts := strings.Split(rest, " ")
	n := len(parts)
	if n < 2 || parts[n-1] == "" {
		return Message{}, fmt.Errorf("%w: error reply %q", ErrMalformed, rest)
	}
	name, err := joinName(parts[:n-1])
	if err != nil {
		return Message{}, err
	}
	return HandshakeErr(name, parts[n-1]), nil
}

func parseFile(rest string) (Message, error) {
	parts := strings.Split(rest, " ")
	n := len(parts)
	if n < 2 {
		return Message{}, fmt.Errorf("%w: FILE %q", ErrMalformed, rest)
	}

	switch {
	case parts[n-1] == "CLOSE":
		name, err := joinName(parts[:n-1])
		if err != nil {
			return Message{}, err
		}
		return Close(name), nil
	case parts[n-1] == "CLOSE_OK":
		name, err := joinName(parts[:n-1])
		if err != nil {
			return Message{}, err
		}
		return CloseOK(name), nil
	case n >= 6 && parts[n-5] == "GET" && parts[n-4] == "START" && parts[n-2] == "END":
		name, err := joinName(parts[:n-5])
		if err != nil {
			return Message{}, err
		}
		start, end, err := parseRange(parts[n-3], parts[n-1])
		if err != nil {
			return Message{}, err
		}
		return BlockRequest(name, start, end), nil
	}

	// An empty payload loses its trailing token to TrimSpace.
	if parts[n-1] == "DATA" {
		parts = append(parts, "")
		n++
	}
	if n >= 8 && parts[n-7] == "OK" && parts[n-6] == "START" && parts[n-4] == "END" && parts[n-2] == "DATA" {
		name, err := joinName(parts[:n-7])
		if err != nil {
			return Message{}, err
		}
		start, end, err := parseRange(parts[n-5], parts[n-3])
		if err != nil {
			return Message{}, err
		}
		data, err := base64.StdEncoding.DecodeString(parts[n-1])
		if err != nil {
			return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		return BlockReply(name, start, end, data), nil
	}
	return Message{}, fmt.Errorf("%w: FILE %q", ErrMalformed, truncate(rest, 64))
}

func joinName(parts []string) (string, error) {
	name := strings.TrimSpace(strings.Join(parts, " "))
	if name == "" {
		return "", fmt.Errorf("%w: empty filename", ErrMalformed)
	}
	return name, nil
}

func parseOffset(tok string) (int64, error) {
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: offset %q", ErrMalformed, tok)
	}
	return v, nil
}

func parseRange(startTok, endTok string) (int64, int64, error) {
	start, err := parseOffset(startTok)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseOffset(endTok)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
