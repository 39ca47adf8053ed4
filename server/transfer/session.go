package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"udpftp/protocol"
)

var (
	ErrRangeOutOfBounds = errors.New("range out of bounds")
	ErrBlockTooLarge    = errors.New("block larger than the session allows")
	ErrIdleTimeout      = errors.New("session idle timeout")
)

const (
	DefaultIdleTimeout  = 30 * time.Second
	DefaultMaxBlockSize = 8192
)

// SessionOptions tunes a Session. Zero values fall back to defaults.
type SessionOptions struct {
	IdleTimeout  time.Duration
	MaxBlockSize int64
	Stats        *Stats
	Logger       *slog.Logger
	// OnClose runs once after the socket and file are released.
	OnClose func()
}

// Session serves one client's download. It owns its socket and file handle
// exclusively from construction until Serve returns.
type Session struct {
	id   string
	conn *net.UDPConn
	port int
	file *os.File
	name string
	size int64
	peer *net.UDPAddr

	idle     time.Duration
	maxBlock int64
	stats    *Stats
	log      *slog.Logger
	onClose  func()

	closeOnce sync.Once
	buf       []byte
}

// NewSession takes ownership of conn and file. peer is the endpoint that
// performed the handshake; datagrams from anyone else are dropped.
func NewSession(conn *net.UDPConn, file *os.File, name string, size int64, peer *net.UDPAddr, opts SessionOptions) *Session {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxBlockSize <= 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	if opts.Stats == nil {
		opts.Stats = NewStats()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	port := 0
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = la.Port
	}
	id := uuid.NewString()

	return &Session{
		id:       id,
		conn:     conn,
		port:     port,
		file:     file,
		name:     name,
		size:     size,
		peer:     peer,
		idle:     opts.IdleTimeout,
		maxBlock: opts.MaxBlockSize,
		stats:    opts.Stats,
		log:      opts.Logger.With("session", id[:8], "port", port, "file", name, "peer", peer.String()),
		onClose:  opts.OnClose,
		buf:      make([]byte, protocol.MaxDatagram),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Port() int  { return s.port }

// Serve answers block and close requests until the client closes the
// session, the idle timeout expires or ctx is cancelled. Resources are
// released before it returns.
func (s *Session) Serve(ctx context.Context) error {
	s.stats.SessionsOpened.Add(1)
	defer s.release()

	stop := context.AfterFunc(ctx, s.release)
	defer stop()

	s.log.Info("session started", "size", s.size)
	for {
		if err := ctx.Err(); err != nil {
			s.stats.SessionsFailed.Add(1)
			return err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idle)); err != nil && ctx.Err() == nil {
			s.stats.SessionsFailed.Add(1)
			return fmt.Errorf("set deadline: %w", err)
		}

		n, from, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.stats.SessionsFailed.Add(1)
				return ctxErr
			}
			if isTimeout(err) {
				s.stats.SessionsIdled.Add(1)
				s.log.Warn("no request within idle timeout, ending session", "idle", s.idle)
				return ErrIdleTimeout
			}
			s.stats.SessionsFailed.Add(1)
			return fmt.Errorf("receive: %w", err)
		}

		if !sameEndpoint(from, s.peer) {
			s.log.Warn("dropping datagram from foreign endpoint", "from", from.String())
			continue
		}

		msg, err := protocol.Parse(s.buf[:n])
		if err != nil {
			s.stats.Malformed.Add(1)
			s.log.Warn("ignoring malformed request", "err", err)
			continue
		}
		if msg.Filename != s.name {
			s.stats.Malformed.Add(1)
			s.log.Warn("ignoring request for another file", "requested", msg.Filename)
			continue
		}

		switch msg.Kind {
		case protocol.KindClose:
			if _, err := s.conn.WriteToUDP(protocol.CloseOK(s.name).Encode(), from); err != nil {
				s.log.Error("close ack failed", "err", err)
			}
			s.stats.SessionsClosed.Add(1)
			s.log.Info("session closed by client")
			return nil
		case protocol.KindBlockRequest:
			s.serveBlock(msg, from)
		default:
			s.stats.Malformed.Add(1)
			s.log.Warn("ignoring unexpected message", "kind", msg.Kind.String())
		}
	}
}

func (s *Session) serveBlock(req protocol.Message, to *net.UDPAddr) {
	start, end, err := ClipRange(req.Start, req.End, s.size, s.maxBlock)
	if err != nil {
		s.stats.Malformed.Add(1)
		s.log.Warn("refusing block request", "start", req.Start, "end", req.End, "err", err)
		return
	}

	data := make([]byte, end-start+1)
	n, err := s.file.ReadAt(data, start)
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Error("read failed", "start", start, "err", err)
		return
	}
	if n == 0 {
		s.log.Warn("file shrank under session", "start", start)
		return
	}
	data = data[:n]
	end = start + int64(n) - 1

	reply := protocol.BlockReply(s.name, start, end, data).Encode()
	if _, err := s.conn.WriteToUDP(reply, to); err != nil {
		s.log.Error("block reply failed", "start", start, "end", end, "err", err)
		return
	}
	s.stats.BlocksServed.Add(1)
	s.stats.BytesServed.Add(int64(n))
	s.log.Debug("served block", "start", start, "end", end)
}

func (s *Session) release() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.file.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// ClipRange validates an inclusive [start, end] request against a file of
// size bytes. Only an end past EOF is clipped. A start outside the file, an
// inverted range and a request spanning more than maxBlock bytes are refused,
// never shortened.
func ClipRange(start, end, size, maxBlock int64) (int64, int64, error) {
	if start < 0 || start >= size || end < start {
		return 0, 0, fmt.Errorf("%w: [%d,%d] of %d bytes", ErrRangeOutOfBounds, start, end, size)
	}
	if maxBlock > 0 && end-start+1 > maxBlock {
		return 0, 0, fmt.Errorf("%w: [%d,%d] spans %d bytes, limit %d", ErrBlockTooLarge, start, end, end-start+1, maxBlock)
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
