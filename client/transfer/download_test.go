package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"udpftp/protocol"
)

// handler returns the reply to send, or nil to stay silent. n counts the
// messages seen by that socket starting at 1.
type handler func(n int64, msg protocol.Message) *protocol.Message

// fakeServer plays the dispatch and session roles over two loopback sockets.
type fakeServer struct {
	name    string
	content []byte

	dispatch *net.UDPConn
	session  *net.UDPConn

	onDispatch handler
	onSession  handler

	dispatchSeen atomic.Int64
	sessionSeen  atomic.Int64
	blockSeen    atomic.Int64
	// lastPeer is the client endpoint of the most recent datagram.
	lastPeer atomic.Pointer[net.UDPAddr]
}

func newFakeServer(t *testing.T, name string, content []byte) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		name:     name,
		content:  content,
		dispatch: loopback(t),
		session:  loopback(t),
	}
	fs.onDispatch = func(_ int64, msg protocol.Message) *protocol.Message {
		reply := protocol.HandshakeOK(msg.Filename, int64(len(fs.content)), fs.sessionPort())
		return &reply
	}
	fs.onSession = fs.serve
	return fs
}

func (fs *fakeServer) start() {
	go fs.loop(fs.dispatch, &fs.dispatchSeen, func(n int64, m protocol.Message) *protocol.Message { return fs.onDispatch(n, m) })
	go fs.loop(fs.session, &fs.sessionSeen, func(n int64, m protocol.Message) *protocol.Message {
		if m.Kind == protocol.KindBlockRequest {
			fs.blockSeen.Add(1)
		}
		return fs.onSession(n, m)
	})
}

func (fs *fakeServer) loop(conn *net.UDPConn, seen *atomic.Int64, h handler) {
	buf := make([]byte, protocol.MaxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := protocol.Parse(buf[:n])
		if err != nil {
			continue
		}
		fs.lastPeer.Store(from)
		if reply := h(seen.Add(1), msg); reply != nil {
			conn.WriteToUDP(reply.Encode(), from)
		}
	}
}

func (fs *fakeServer) sessionPort() int {
	return fs.session.LocalAddr().(*net.UDPAddr).Port
}

// serve is a well-behaved session.
func (fs *fakeServer) serve(_ int64, msg protocol.Message) *protocol.Message {
	switch msg.Kind {
	case protocol.KindBlockRequest:
		end := min(msg.End, int64(len(fs.content))-1)
		reply := protocol.BlockReply(msg.Filename, msg.Start, end, fs.content[msg.Start:end+1])
		return &reply
	case protocol.KindClose:
		reply := protocol.CloseOK(msg.Filename)
		return &reply
	}
	return nil
}

func randomContent(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newTestDownloader(fs *fakeServer, dir string) *Downloader {
	return NewDownloader(fs.dispatch.LocalAddr().(*net.UDPAddr), Options{
		BaseTimeout: 40 * time.Millisecond,
		MaxRetries:  4,
		BlockSize:   1000,
		OutputDir:   dir,
	})
}

func TestFetch2500Bytes(t *testing.T) {
	content := randomContent(t, 2500)
	fs := newFakeServer(t, "data.bin", content)
	fs.start()

	dir := t.TempDir()
	d := newTestDownloader(fs, dir)
	var progress []int64
	d.OnProgress(func(_ string, received, total int64) {
		assert.EqualValues(t, 2500, total)
		progress = append(progress, received)
	})

	res, err := d.Fetch(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.Blocks)
	assert.True(t, res.CloseAcked)
	assert.Equal(t, []int64{1000, 2000, 2500}, progress)
	assert.EqualValues(t, 3, fs.blockSeen.Load())

	got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, filepath.Join(dir, "data.bin.part"))

	sum := blake2b.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)
}

func TestFetchNotFoundNeverContactsSession(t *testing.T) {
	fs := newFakeServer(t, "missing.txt", nil)
	fs.onDispatch = func(_ int64, msg protocol.Message) *protocol.Message {
		reply := protocol.HandshakeErr(msg.Filename, protocol.ReasonNotFound)
		return &reply
	}
	fs.start()

	dir := t.TempDir()
	d := newTestDownloader(fs, dir)
	res, err := d.Fetch(context.Background(), "missing.txt")
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateHandshaking, res.FailedIn)
	assert.EqualValues(t, 1, fs.dispatchSeen.Load())
	assert.EqualValues(t, 0, fs.sessionSeen.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.False(t, d.Download(context.Background(), "missing.txt"))
}

func TestFetchNoPortIsRejected(t *testing.T) {
	fs := newFakeServer(t, "busy.bin", nil)
	fs.onDispatch = func(_ int64, msg protocol.Message) *protocol.Message {
		reply := protocol.HandshakeErr(msg.Filename, protocol.ReasonNoPort)
		return &reply
	}
	fs.start()

	_, err := newTestDownloader(fs, t.TempDir()).Fetch(context.Background(), "busy.bin")
	require.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrFileNotFound)
}

func TestFetchRetransmitsDroppedHandshake(t *testing.T) {
	content := randomContent(t, 1500)
	fs := newFakeServer(t, "data.bin", content)
	fs.onDispatch = func(n int64, msg protocol.Message) *protocol.Message {
		if n == 1 {
			return nil
		}
		reply := protocol.HandshakeOK(msg.Filename, int64(len(content)), fs.sessionPort())
		return &reply
	}
	fs.start()

	dir := t.TempDir()
	res, err := newTestDownloader(fs, dir).Fetch(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fs.dispatchSeen.Load())
	assert.GreaterOrEqual(t, res.Retransmits, int64(1))

	got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchReissuesMismatchedBlock(t *testing.T) {
	content := randomContent(t, 2500)
	fs := newFakeServer(t, "data.bin", content)
	var tampered atomic.Bool
	fs.onSession = func(n int64, msg protocol.Message) *protocol.Message {
		if msg.Kind == protocol.KindBlockRequest && msg.Start == 1000 && tampered.CompareAndSwap(false, true) {
			reply := protocol.BlockReply(msg.Filename, 0, 999, content[:1000])
			return &reply
		}
		return fs.serve(n, msg)
	}
	fs.start()

	dir := t.TempDir()
	res, err := newTestDownloader(fs, dir).Fetch(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Faults)
	assert.Equal(t, 3, res.Blocks)
	assert.EqualValues(t, 4, fs.blockSeen.Load())

	got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchFailsAfterFaultBudget(t *testing.T) {
	content := randomContent(t, 500)
	fs := newFakeServer(t, "data.bin", content)
	fs.onSession = func(_ int64, msg protocol.Message) *protocol.Message {
		if msg.Kind != protocol.KindBlockRequest {
			return nil
		}
		reply := protocol.BlockReply(msg.Filename, msg.Start, msg.End, []byte("short"))
		return &reply
	}
	fs.start()

	dir := t.TempDir()
	res, err := newTestDownloader(fs, dir).Fetch(context.Background(), "data.bin")
	require.ErrorIs(t, err, ErrRangeMismatch)
	assert.Equal(t, StateTransferring, res.FailedIn)
	assert.Equal(t, 5, res.Faults)
	assert.NoFileExists(t, filepath.Join(dir, "data.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "data.bin.part"))
}

func TestFetchEmptyFile(t *testing.T) {
	fs := newFakeServer(t, "empty", []byte{})
	fs.start()

	dir := t.TempDir()
	res, err := newTestDownloader(fs, dir).Fetch(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Blocks)
	assert.True(t, res.CloseAcked)
	assert.EqualValues(t, 0, fs.blockSeen.Load())
	assert.EqualValues(t, 1, fs.sessionSeen.Load())

	info, err := os.Stat(filepath.Join(dir, "empty"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFetchUnackedCloseStillSucceeds(t *testing.T) {
	content := randomContent(t, 300)
	fs := newFakeServer(t, "data.bin", content)
	fs.onSession = func(n int64, msg protocol.Message) *protocol.Message {
		if msg.Kind == protocol.KindClose {
			return nil
		}
		return fs.serve(n, msg)
	}
	fs.start()

	dir := t.TempDir()
	res, err := newTestDownloader(fs, dir).Fetch(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.False(t, res.CloseAcked)

	got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchCloseSkipsLateBlockReply(t *testing.T) {
	content := randomContent(t, 300)
	fs := newFakeServer(t, "data.bin", content)
	fs.onSession = func(n int64, msg protocol.Message) *protocol.Message {
		if msg.Kind == protocol.KindClose {
			late := protocol.BlockReply(msg.Filename, 0, 299, content)
			fs.session.WriteToUDP(late.Encode(), fs.lastPeer.Load())
		}
		return fs.serve(n, msg)
	}
	fs.start()

	res, err := newTestDownloader(fs, t.TempDir()).Fetch(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.True(t, res.CloseAcked)
	assert.EqualValues(t, 0, res.Retransmits)
	assert.EqualValues(t, 2, fs.sessionSeen.Load())
}

func TestFetchDigestMatchesEmptyFile(t *testing.T) {
	fs := newFakeServer(t, "empty", []byte{})
	fs.start()

	res, err := newTestDownloader(fs, t.TempDir()).Fetch(context.Background(), "empty")
	require.NoError(t, err)
	sum := blake2b.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)
}

func TestLocalPath(t *testing.T) {
	dir := filepath.FromSlash("/out")
	assert.Equal(t, filepath.Join(dir, "b.png"), LocalPath(dir, "images/b.png"))
	assert.Equal(t, filepath.Join(dir, "passwd"), LocalPath(dir, "../../etc/passwd"))
	assert.Equal(t, filepath.Join(dir, "my report.pdf"), LocalPath(dir, "my report.pdf"))
	assert.Equal(t, filepath.Join(dir, "download"), LocalPath(dir, ".."))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "transferring", StateTransferring.String())
	assert.Equal(t, "State(9)", State(9).String())
}
