package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"udpftp/protocol"
	"udpftp/server/terminal"
	"udpftp/server/transfer"
)

// Server accepts download handshakes on the well-known port and hands each
// accepted file to a Session bound on its own port.
type Server struct {
	cfg   *terminal.Config
	conn  *net.UDPConn
	ports *transfer.PortAllocator
	stats *transfer.Stats
	log   *slog.Logger

	sessions sync.WaitGroup
	mu       sync.Mutex
	errs     *multierror.Error
}

func NewServer(cfg *terminal.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		stats: transfer.NewStats(),
		log:   log,
	}
}

// Listen binds the dispatch socket. With ListenPort 0 the kernel picks one.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.ListenPort)))
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.conn = conn
	s.ports = transfer.NewPortAllocator(s.cfg.SessionPortStart, s.cfg.SessionPortEnd,
		s.Addr().Port, s.cfg.MaxBindAttempts, s.log)
	return nil
}

func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Stats() *transfer.Stats { return s.stats }

// Serve runs the dispatch loop until ctx is cancelled, then waits for every
// session to release its port. Unexpected session failures are returned
// together.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})
	g.Go(func() error {
		return s.dispatch(gctx)
	})

	err := g.Wait()
	s.sessions.Wait()
	s.log.Info("server stopped", "handshakes", s.stats.Handshakes.Load())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errs = multierror.Append(s.errs, err)
	}
	return s.errs.ErrorOrNil()
}

func (s *Server) dispatch(ctx context.Context) error {
	buf := make([]byte, protocol.MaxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("dispatch socket closed: %w", err)
			}
			s.log.Warn("dispatch read failed", "err", err)
			continue
		}

		msg, err := protocol.Parse(buf[:n])
		if err != nil {
			s.stats.Malformed.Add(1)
			s.log.Warn("ignoring malformed handshake", "from", from.String(), "err", err)
			continue
		}
		if msg.Kind != protocol.KindDownload {
			s.stats.Malformed.Add(1)
			s.log.Warn("ignoring non-handshake on dispatch port", "from", from.String(), "kind", msg.Kind.String())
			continue
		}
		s.handleHandshake(ctx, msg.Filename, from)
	}
}

func (s *Server) handleHandshake(ctx context.Context, name string, from *net.UDPAddr) {
	s.stats.Handshakes.Add(1)
	log := s.log.With("file", name, "peer", from.String())

	file, size, err := s.open(name)
	if err != nil {
		s.stats.NotFound.Add(1)
		log.Info("handshake refused", "err", err)
		s.reply(protocol.HandshakeErr(name, protocol.ReasonNotFound), from)
		return
	}

	conn, port, err := s.ports.Bind(s.cfg.BindHost)
	if err != nil {
		file.Close()
		s.stats.Rejected.Add(1)
		log.Error("no session port available", "err", err)
		s.reply(protocol.HandshakeErr(name, protocol.ReasonNoPort), from)
		return
	}

	sess := transfer.NewSession(conn, file, name, size, from, transfer.SessionOptions{
		IdleTimeout:  s.cfg.IdleTimeout,
		MaxBlockSize: int64(s.cfg.MaxBlockSize),
		Stats:        s.stats,
		Logger:       s.log,
		OnClose:      func() { s.ports.Release(port) },
	})

	// The session is listening before the client learns its port.
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		err := sess.Serve(ctx)
		if err == nil || errors.Is(err, transfer.ErrIdleTimeout) || errors.Is(err, context.Canceled) {
			return
		}
		s.mu.Lock()
		s.errs = multierror.Append(s.errs, fmt.Errorf("session %s (%s): %w", sess.ID(), name, err))
		s.mu.Unlock()
	}()

	log.Info("handshake accepted", "size", size, "port", sess.Port(), "session", sess.ID()[:8])
	s.reply(protocol.HandshakeOK(name, size, sess.Port()), from)
}

func (s *Server) reply(msg protocol.Message, to *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(msg.Encode(), to); err != nil {
		s.log.Error("reply failed", "to", to.String(), "msg", msg.String(), "err", err)
	}
}

// open opens name for reading beneath the root directory. Symbolic links
// may not lead outside the root.
func (s *Server) open(name string) (*os.File, int64, error) {
	rel, err := resolve(name)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.OpenInRoot(s.cfg.RootDir, rel)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, 0, fmt.Errorf("%s is not a regular file", name)
	}
	return file, info.Size(), nil
}

// resolve turns a requested name into a path relative to the root
// directory, refusing names that escape it lexically.
func resolve(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("file name %q escapes the root directory", name)
	}
	return clean, nil
}
