package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"udpftp/protocol"
)

// State is the phase a download is in.
type State int

const (
	StateHandshaking State = iota
	StateTransferring
	StateClosing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result describes one finished download, successful or not.
type Result struct {
	Name        string
	LocalPath   string
	Size        int64
	Received    int64
	SessionPort int
	Blocks      int
	Retransmits int64
	Faults      int
	CloseAcked  bool
	// Digest is the hex BLAKE2b-256 of the received bytes, set once Done.
	Digest string
	State  State
	// FailedIn is the phase that was active when the download failed.
	FailedIn State
	Started  time.Time
	Duration time.Duration
	Err      error
}

func (r *Result) OK() bool { return r.State == StateDone }

// Timing summarises the transfer for reporting.
func (r *Result) Timing() TimingReport {
	return NewTimingReport(r.Received, r.Duration, r.Blocks, r.Retransmits)
}

// Options tunes a Downloader. Zero values fall back to defaults.
type Options struct {
	BaseTimeout time.Duration
	MaxRetries  int
	BlockSize   int64
	OutputDir   string
	Logger      *slog.Logger
}

// ProgressFunc is called after every stored block.
type ProgressFunc func(name string, received, total int64)

// Downloader fetches files one at a time from a server's dispatch endpoint.
type Downloader struct {
	server     *net.UDPAddr
	opts       Options
	log        *slog.Logger
	onProgress ProgressFunc
}

func NewDownloader(server *net.UDPAddr, opts Options) *Downloader {
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{server: server, opts: opts, log: opts.Logger}
}

func (d *Downloader) OnProgress(fn ProgressFunc) { d.onProgress = fn }

// Download fetches name and reports whether it completed. It never panics;
// failures are logged so a caller iterating over many files can carry on.
func (d *Downloader) Download(ctx context.Context, name string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("download aborted", "file", name, "panic", r)
			ok = false
		}
	}()
	res, err := d.Fetch(ctx, name)
	if err != nil {
		d.log.Error("download failed", "file", name, "state", res.FailedIn.String(), "err", err)
		return false
	}
	d.log.Info("download complete", "file", name, "bytes", res.Received, "path", res.LocalPath)
	return true
}

// Fetch runs the handshake, block loop and close for name. The returned
// Result is never nil.
func (d *Downloader) Fetch(ctx context.Context, name string) (*Result, error) {
	res := &Result{
		Name:      name,
		LocalPath: LocalPath(d.opts.OutputDir, name),
		Started:   time.Now(),
		State:     StateHandshaking,
	}

	ch, err := OpenChannel(d.opts.MaxRetries, d.log)
	if err != nil {
		return d.fail(res, err)
	}
	defer ch.Close()

	n := &negotiation{
		d:    d,
		ch:   ch,
		name: name,
		res:  res,
		log:  d.log.With("file", name),
	}
	err = n.run(ctx)
	res.Retransmits = ch.Retransmits()
	if err != nil {
		return d.fail(res, err)
	}
	res.Duration = time.Since(res.Started)
	return res, nil
}

func (d *Downloader) fail(res *Result, err error) (*Result, error) {
	res.FailedIn = res.State
	res.State = StateFailed
	res.Err = err
	res.Duration = time.Since(res.Started)
	return res, err
}

// LocalPath maps a remote name to its destination under dir. Only the base
// name is kept so a remote path cannot place files outside dir.
func LocalPath(dir, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "/" || base == "." || base == ".." {
		base = "download"
	}
	return filepath.Join(dir, base)
}

// negotiation is the state of one download in progress.
type negotiation struct {
	d    *Downloader
	ch   *Channel
	name string
	res  *Result
	log  *slog.Logger

	session *net.UDPAddr
	out     *os.File
	part    string
	sum     hash.Hash
}

func (n *negotiation) run(ctx context.Context) (err error) {
	defer func() {
		if n.out != nil {
			n.out.Close()
		}
		if err != nil && n.part != "" {
			os.Remove(n.part)
		}
	}()

	if err := n.handshake(ctx); err != nil {
		return err
	}
	n.res.State = StateTransferring
	if err := n.transfer(ctx); err != nil {
		return err
	}
	n.res.State = StateClosing
	n.close(ctx)
	if err := n.finalize(); err != nil {
		return err
	}
	n.res.State = StateDone
	return nil
}

func (n *negotiation) handshake(ctx context.Context) error {
	req := protocol.Download(n.name).Encode()
	for faults := 0; ; faults++ {
		raw, err := n.ch.SendAndReceive(ctx, req, n.d.server, n.d.opts.BaseTimeout)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}

		msg, err := protocol.Parse(raw)
		switch {
		case err != nil:
			err = fmt.Errorf("%w: %v", ErrMalformedReply, err)
		case msg.Filename != n.name:
			err = fmt.Errorf("%w: handshake reply names %q", ErrMalformedReply, msg.Filename)
		case msg.Kind == protocol.KindHandshakeErr:
			if msg.Reason == protocol.ReasonNotFound {
				return fmt.Errorf("%w: %s", ErrFileNotFound, n.name)
			}
			return fmt.Errorf("%w: %s", ErrRejected, msg.Reason)
		case msg.Kind == protocol.KindHandshakeOK:
			n.res.Size = msg.Size
			n.res.SessionPort = msg.Port
			n.session = &net.UDPAddr{IP: n.d.server.IP, Port: msg.Port, Zone: n.d.server.Zone}
			n.log.Debug("handshake accepted", "size", msg.Size, "port", msg.Port)
			return nil
		default:
			err = fmt.Errorf("%w: unexpected %s during handshake", ErrMalformedReply, msg.Kind)
		}

		n.res.Faults++
		if faults >= n.d.opts.MaxRetries {
			return fmt.Errorf("handshake: %w", err)
		}
		n.log.Warn("bad handshake reply, asking again", "err", err)
	}
}

func (n *negotiation) transfer(ctx context.Context) error {
	n.part = n.res.LocalPath + ".part"
	out, err := os.OpenFile(n.part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", n.part, err)
	}
	n.out = out
	// Blocks arrive in file order, so the digest can be streamed.
	if n.sum, err = blake2b.New256(nil); err != nil {
		return err
	}

	total := n.res.Size
	for n.res.Received < total {
		blk := NextBlock(n.res.Received, total, n.d.opts.BlockSize)
		data, err := n.fetchBlock(ctx, blk)
		if err != nil {
			return err
		}
		if _, err := n.out.WriteAt(data, blk.Start); err != nil {
			return fmt.Errorf("write %s at %d: %w", n.part, blk.Start, err)
		}
		n.sum.Write(data)
		n.res.Received += int64(len(data))
		n.res.Blocks++
		if n.d.onProgress != nil {
			n.d.onProgress(n.name, n.res.Received, total)
		}
	}
	return nil
}

// fetchBlock requests blk until a reply echoing exactly blk arrives. Bad
// replies re-issue the same request up to MaxRetries times.
func (n *negotiation) fetchBlock(ctx context.Context, blk Block) ([]byte, error) {
	req := protocol.BlockRequest(n.name, blk.Start, blk.End).Encode()
	for faults := 0; ; faults++ {
		raw, err := n.ch.SendAndReceive(ctx, req, n.session, n.d.opts.BaseTimeout)
		if err != nil {
			return nil, fmt.Errorf("block [%d,%d]: %w", blk.Start, blk.End, err)
		}

		data, err := checkBlockReply(raw, n.name, blk)
		if err == nil {
			return data, nil
		}
		n.res.Faults++
		if faults >= n.d.opts.MaxRetries {
			return nil, fmt.Errorf("block [%d,%d]: %w", blk.Start, blk.End, err)
		}
		n.log.Warn("bad block reply, asking again", "start", blk.Start, "end", blk.End, "err", err)
	}
}

func checkBlockReply(raw []byte, name string, blk Block) ([]byte, error) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if msg.Kind != protocol.KindBlockReply {
		return nil, fmt.Errorf("%w: got %s", ErrMalformedReply, msg.Kind)
	}
	if msg.Filename != name {
		return nil, fmt.Errorf("%w: reply names %q", ErrMalformedReply, msg.Filename)
	}
	if msg.Start != blk.Start || msg.End != blk.End {
		return nil, fmt.Errorf("%w: got [%d,%d]", ErrRangeMismatch, msg.Start, msg.End)
	}
	if int64(len(msg.Data)) != blk.Len() {
		return nil, fmt.Errorf("%w: %d bytes for a %d byte block", ErrRangeMismatch, len(msg.Data), blk.Len())
	}
	return msg.Data, nil
}

// close ends the session. The file is complete by now so a lost or odd
// acknowledgement is only logged.
func (n *negotiation) close(ctx context.Context) {
	// Late duplicates of block replies may still be in flight.
	isAck := func(raw []byte) bool {
		msg, err := protocol.Parse(raw)
		return err == nil && msg.Kind == protocol.KindCloseOK
	}
	raw, err := n.ch.SendAndAwait(ctx, protocol.Close(n.name).Encode(), n.session, n.d.opts.BaseTimeout, isAck)
	if err != nil {
		n.log.Warn("close not acknowledged", "err", err)
		return
	}
	msg, err := protocol.Parse(raw)
	if err != nil || msg.Kind != protocol.KindCloseOK || msg.Filename != n.name {
		n.log.Warn("unexpected close acknowledgement", "reply", string(raw))
		return
	}
	n.res.CloseAcked = true
}

func (n *negotiation) finalize() error {
	if err := n.out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", n.part, err)
	}
	err := n.out.Close()
	n.out = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", n.part, err)
	}
	if err := os.Rename(n.part, n.res.LocalPath); err != nil {
		return fmt.Errorf("rename %s: %w", n.part, err)
	}
	n.part = ""
	n.res.Digest = hex.EncodeToString(n.sum.Sum(nil))
	return nil
}

// IsNotFound reports whether err came from a server NOT_FOUND reply.
func IsNotFound(err error) bool { return errors.Is(err, ErrFileNotFound) }
