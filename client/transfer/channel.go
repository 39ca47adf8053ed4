package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"udpftp/protocol"
)

var (
	ErrTimeout          = errors.New("timed out waiting for reply")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrFileNotFound     = errors.New("file not found on server")
	ErrRejected         = errors.New("download rejected by server")
	ErrMalformedReply   = errors.New("malformed reply")
	ErrRangeMismatch    = errors.New("reply range does not match request")
)

// DefaultMaxRetries is the number of transmissions of one request before the
// exchange is abandoned.
const DefaultMaxRetries = 5

// backoff is the retransmission state of one exchange: how many times the
// request has been sent and how long to wait for the current attempt.
type backoff struct {
	attempt int
	max     int
	timeout time.Duration
}

func newBackoff(base time.Duration, max int) backoff {
	return backoff{attempt: 1, max: max, timeout: base}
}

// next advances to the following attempt with a doubled timeout. It reports
// false once the ceiling has been reached.
func (b *backoff) next() bool {
	if b.attempt >= b.max {
		return false
	}
	b.attempt++
	b.timeout *= 2
	return true
}

// Channel is a request/reply exchange over an unconnected UDP socket. Only one
// exchange runs at a time.
type Channel struct {
	conn        *net.UDPConn
	maxRetries  int
	log         *slog.Logger
	buf         []byte
	retransmits int64
}

func NewChannel(conn *net.UDPConn, maxRetries int, log *slog.Logger) *Channel {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		conn:       conn,
		maxRetries: maxRetries,
		log:        log,
		buf:        make([]byte, protocol.MaxDatagram),
	}
}

// OpenChannel binds a fresh local socket on an ephemeral port.
func OpenChannel(maxRetries int, log *slog.Logger) (*Channel, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open client socket: %w", err)
	}
	return NewChannel(conn, maxRetries, log), nil
}

// SendAndReceive transmits msg to dst and returns the first datagram that
// comes back from dst. Silence doubles the wait and resends the same bytes;
// after maxRetries transmissions ErrRetriesExhausted is returned. Any other
// transport error ends the exchange at once.
func (c *Channel) SendAndReceive(ctx context.Context, msg []byte, dst *net.UDPAddr, baseTimeout time.Duration) ([]byte, error) {
	return c.SendAndAwait(ctx, msg, dst, baseTimeout, nil)
}

// SendAndAwait is SendAndReceive with a reply filter. Datagrams from dst
// that accept rejects are dropped and the current wait carries on.
func (c *Channel) SendAndAwait(ctx context.Context, msg []byte, dst *net.UDPAddr, baseTimeout time.Duration, accept func([]byte) bool) ([]byte, error) {
	b := newBackoff(baseTimeout, c.maxRetries)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := c.conn.WriteToUDP(msg, dst); err != nil {
			return nil, fmt.Errorf("send to %s: %w", dst, err)
		}

		reply, err := c.await(ctx, dst, b.timeout, accept)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		if !b.next() {
			return nil, fmt.Errorf("%w: no reply from %s after %d attempts", ErrRetriesExhausted, dst, b.attempt)
		}
		c.retransmits++
		c.log.Debug("no reply, retransmitting", "to", dst.String(), "attempt", b.attempt, "timeout", b.timeout)
	}
}

// await reads until an accepted datagram from want arrives or timeout
// elapses. Skipped datagrams do not extend the wait.
func (c *Channel) await(ctx context.Context, want *net.UDPAddr, timeout time.Duration, accept func([]byte) bool) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, from, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		if !sameEndpoint(from, want) {
			c.log.Warn("ignoring datagram from unexpected endpoint", "from", from.String(), "want", want.String())
			continue
		}
		if accept != nil && !accept(c.buf[:n]) {
			c.log.Debug("skipping unwanted reply", "from", from.String(), "len", n)
			continue
		}
		reply := make([]byte, n)
		copy(reply, c.buf[:n])
		return reply, nil
	}
}

// Retransmits is the number of resends across all exchanges so far.
func (c *Channel) Retransmits() int64 { return c.retransmits }

func (c *Channel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *Channel) Close() error { return c.conn.Close() }

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
