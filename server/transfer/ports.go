package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

var ErrNoFreePort = errors.New("no free session port")

// PortAllocator hands out session ports from a reserved range. A port stays
// marked in use from Bind until Release so concurrent sessions never share one.
type PortAllocator struct {
	start       int
	end         int
	reserved    int
	maxAttempts int
	log         *slog.Logger

	mu    sync.Mutex
	inUse map[int]struct{}
}

// NewPortAllocator creates an allocator for [start, end]. The reserved port
// (normally the dispatch port) is never handed out.
func NewPortAllocator(start, end, reserved, maxAttempts int, log *slog.Logger) *PortAllocator {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &PortAllocator{
		start:       start,
		end:         end,
		reserved:    reserved,
		maxAttempts: maxAttempts,
		log:         log,
		inUse:       make(map[int]struct{}),
	}
}

// Bind picks a pseudo-random free port and binds a UDP socket to it on host.
// A failed bind (port busy outside this process) is retried with another
// port up to maxAttempts times.
func (a *PortAllocator) Bind(host string) (*net.UDPConn, int, error) {
	// Ports that failed to bind stay reserved until we return so the next
	// attempt is forced onto a different one.
	var failed []int
	defer func() {
		for _, p := range failed {
			a.Release(p)
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		port, ok := a.reserve()
		if !ok {
			return nil, 0, fmt.Errorf("%w: range %d-%d exhausted", ErrNoFreePort, a.start, a.end)
		}

		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			a.Release(port)
			return nil, 0, err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, port, nil
		}

		failed = append(failed, port)
		lastErr = err
		a.log.Warn("session port bind failed, trying another", "port", port, "attempt", attempt, "err", err)
	}
	return nil, 0, fmt.Errorf("%w after %d attempts: %v", ErrNoFreePort, a.maxAttempts, lastErr)
}

func (a *PortAllocator) reserve() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	if size <= 0 {
		return 0, false
	}
	// Random pick first, then a linear sweep from there so a nearly full
	// range still finds its last free port.
	first := a.start + rand.IntN(size)
	for i := 0; i < size; i++ {
		port := a.start + (first-a.start+i)%size
		if port == a.reserved {
			continue
		}
		if _, busy := a.inUse[port]; busy {
			continue
		}
		a.inUse[port] = struct{}{}
		return port, true
	}
	return 0, false
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// InUse reports how many ports are currently held by live sessions.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Holds reports whether port is currently allocated.
func (a *PortAllocator) Holds(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inUse[port]
	return ok
}
