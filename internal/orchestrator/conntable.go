package orchestrator

import (
	"context"
	"net"
	"sync"

	comuxerrors "github.com/cwshugg/comux/internal/errors"
)

// ConnStatus is a connection table entry's lifecycle state.
type ConnStatus int

const (
	// StatusDead means no connection has been opened for this id yet.
	StatusDead ConnStatus = iota
	// StatusAlive means the connection is open and usable.
	StatusAlive
	// StatusClosedRemote means the remote end closed or reset the
	// connection; callers must abandon any further chunks for this id.
	StatusClosedRemote
)

// MaxConns is the connection table's fixed capacity, matching the codec's
// own NumConns upper bound.
const MaxConns = 4096

type connEntry struct {
	status ConnStatus
	conn   net.Conn
}

// ConnTable maps a logical connection id to its physical socket and
// liveness state, serialized by a single mutex: every access is a short
// critical section bounded by a handful of syscalls.
type ConnTable struct {
	mu      sync.Mutex
	entries map[uint32]*connEntry
	dialer  func(ctx context.Context, network, addr string) (net.Conn, error)
	target  string
	metrics *Metrics
}

// NewConnTable builds a connection table that dials target on demand.
// target is typically obtained once via the listening socket's Addr().
// metrics may be nil, in which case connection-count tracking is skipped.
func NewConnTable(target string, metrics *Metrics) *ConnTable {
	d := &net.Dialer{}
	return &ConnTable{
		entries: make(map[uint32]*connEntry, MaxConns),
		dialer:  d.DialContext,
		target:  target,
		metrics: metrics,
	}
}

// errSkip is returned by GetOrConnect when the caller must abandon the
// chunk without touching the target — the connection is CLOSED_REMOTE.
var errSkip = skipError{}

type skipError struct{}

func (skipError) Error() string { return "orchestrator: connection closed by remote, chunk skipped" }

// IsSkip reports whether err is the sentinel GetOrConnect returns for a
// CLOSED_REMOTE connection id.
func IsSkip(err error) bool {
	_, ok := err.(skipError)
	return ok
}

// GetOrConnect returns the socket for id, dialing a fresh connection on
// first use. If id was previously marked CLOSED_REMOTE it returns errSkip;
// the caller must abandon this chunk without touching the target.
func (t *ConnTable) GetOrConnect(ctx context.Context, id uint32) (net.Conn, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		switch e.status {
		case StatusAlive:
			t.mu.Unlock()
			return e.conn, nil
		case StatusClosedRemote:
			t.mu.Unlock()
			return nil, errSkip
		}
	}
	t.mu.Unlock()

	conn, err := t.dialer(ctx, "tcp", t.target)
	if err != nil {
		return nil, comuxerrors.NewConnError("conntable.dial", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check: another worker may have raced us to dial the same id
	// (shouldn't happen under one-worker-per-chunk ordering,
	// but the connection table's contract is defined independent of that).
	if existing, ok := t.entries[id]; ok && existing.status == StatusAlive {
		conn.Close()
		return existing.conn, nil
	}
	t.entries[id] = &connEntry{status: StatusAlive, conn: conn}
	if t.metrics != nil {
		t.metrics.ActiveConns.Inc()
	}
	return conn, nil
}

// MarkClosedRemote transitions id from ALIVE to CLOSED_REMOTE and closes
// its socket. Called by any worker that observes EPIPE, ECONNRESET, or a
// zero-byte read.
func (t *ConnTable) MarkClosedRemote(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.status != StatusAlive {
		return
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.status = StatusClosedRemote
	if t.metrics != nil {
		t.metrics.ActiveConns.Dec()
	}
}

// Status reports id's current state, for tests and metrics.
func (t *ConnTable) Status(id uint32) ConnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return StatusDead
	}
	return e.status
}

// CloseAll closes every still-open connection, used at the end of a run.
func (t *ConnTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.status == StatusAlive {
			if e.conn != nil {
				e.conn.Close()
			}
			e.status = StatusClosedRemote
			if t.metrics != nil {
				t.metrics.ActiveConns.Dec()
			}
		}
	}
}
