package orchestrator

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cwshugg/comux/internal/comux"
)

func buildManifest(t *testing.T, chunks []comux.Chunk, numConns uint32) *bytes.Reader {
	t.Helper()
	m := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: numConns, NumChunks: uint32(len(chunks))},
		Chunks: chunks,
	}
	for i := range m.Chunks {
		m.Chunks[i].Len = uint64(len(m.Chunks[i].Payload))
	}
	return bytes.NewReader(m.Encode())
}

// TestOrchestratorInterleavedSchedule covers two connections with an
// interleaved schedule, expecting per-connection byte sequences equal to
// the sched-sorted concatenation of that connection's chunk payloads.
func TestOrchestratorInterleavedSchedule(t *testing.T) {
	chunks := []comux.Chunk{
		{ConnID: 0, Sched: 8, Payload: []byte("D")},
		{ConnID: 1, Sched: 2, Payload: []byte("B")},
		{ConnID: 1, Sched: 4, Payload: []byte("C")},
		{ConnID: 0, Sched: 1, Payload: []byte("A")},
	}
	src := buildManifest(t, chunks, 2)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var mu sync.Mutex
	// Indexed by accept order, which follows the order the orchestrator
	// dials: connection 0 (sched 1) before connection 1 (sched 2).
	received := make([][]byte, 2)
	var serverWg sync.WaitGroup
	serverWg.Add(2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				serverWg.Done()
				continue
			}
			go func(i int, c net.Conn) {
				defer serverWg.Done()
				data, _ := io.ReadAll(c)
				mu.Lock()
				received[i] = data
				mu.Unlock()
				c.Close()
			}(i, conn)
		}
	}()

	o := New()
	o.Exit = func(int) {}
	cfg := Config{SendBuffSize: 2048, RecvBuffSize: 2048}

	done := make(chan struct{})
	go func() {
		_ = o.Activate(context.Background(), ln, src, cfg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not complete in time")
	}

	serverWg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.Equal(t, []byte("AD"), received[0])
	require.Equal(t, []byte("BC"), received[1])
}

// TestOrchestratorActivateIdempotent verifies the sync.Once guard: a second
// Activate call on the same Orchestrator is a silent no-op.
func TestOrchestratorActivateIdempotent(t *testing.T) {
	chunks := []comux.Chunk{{ConnID: 0, Sched: 0, Payload: []byte("x")}}
	src := buildManifest(t, chunks, 1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			io.ReadAll(conn)
			conn.Close()
		}
	}()

	o := New()
	exitCount := 0
	var exitMu sync.Mutex
	o.Exit = func(int) {
		exitMu.Lock()
		exitCount++
		exitMu.Unlock()
	}
	cfg := Config{SendBuffSize: 2048, RecvBuffSize: 2048}

	require.NoError(t, o.Activate(context.Background(), ln, src, cfg))
	require.NoError(t, o.Activate(context.Background(), ln, src, cfg))

	exitMu.Lock()
	defer exitMu.Unlock()
	require.Equal(t, 1, exitCount)
}

// TestHalfCloseOnlyAfterFinalChunkForConn covers one connection with two
// chunks, neither carrying NO_SHUTDOWN: the target must see the write end
// shut down exactly once, after the second (final) chunk, never after the
// first.
func TestHalfCloseOnlyAfterFinalChunkForConn(t *testing.T) {
	chunks := []comux.Chunk{
		{ConnID: 0, Sched: 0, Payload: []byte("first-")},
		{ConnID: 0, Sched: 1, Payload: []byte("second")},
	}
	src := buildManifest(t, chunks, 1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	eofAfterFirstRead := make(chan bool, 1)
	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, len("first-"))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)

		probe := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, probeErr := conn.Read(probe)
		eofAfterFirstRead <- probeErr == io.EOF
		conn.SetReadDeadline(time.Time{})

		rest, _ := io.ReadAll(conn)
		serverDone <- append(append(buf, probe[:n]...), rest...)
	}()

	o := New()
	o.Exit = func(int) {}
	cfg := Config{SendBuffSize: 2048, RecvBuffSize: 2048}

	done := make(chan struct{})
	go func() {
		_ = o.Activate(context.Background(), ln, src, cfg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not complete in time")
	}

	require.False(t, <-eofAfterFirstRead, "write end must not be shut down after only the first chunk")
	require.Equal(t, []byte("first-second"), <-serverDone)
}

func TestTerminateUsesImmediateExitWhenConfigured(t *testing.T) {
	o := New()
	var gotExit, gotImmediate bool
	o.Exit = func(int) { gotExit = true }
	o.ImmediateExit = func(int) { gotImmediate = true }

	o.terminate(Config{ExitImmediate: true})
	require.True(t, gotImmediate)
	require.False(t, gotExit)

	gotExit, gotImmediate = false, false
	o.terminate(Config{ExitImmediate: false})
	require.True(t, gotExit)
	require.False(t, gotImmediate)
}

func TestConnTableSkipAfterRemoteClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	table := NewConnTable(ln.Addr().String(), nil)
	conn, err := table.GetOrConnect(context.Background(), 0)
	require.NoError(t, err)
	conn.Close()

	table.MarkClosedRemote(0)
	require.Equal(t, StatusClosedRemote, table.Status(0))

	_, err = table.GetOrConnect(context.Background(), 0)
	require.True(t, IsSkip(err))
}

// TestConnTableTracksActiveConnsGauge covers the ActiveConns gauge across a
// dial, a remote close, and CloseAll: it must rise on connect and fall
// exactly once per connection regardless of which path tears it down.
func TestConnTableTracksActiveConnsGauge(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn
		}
	}()

	m := NewMetrics()
	table := NewConnTable(ln.Addr().String(), m)

	_, err = table.GetOrConnect(context.Background(), 0)
	require.NoError(t, err)
	_, err = table.GetOrConnect(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2.0, testutil.ToFloat64(m.ActiveConns))

	table.MarkClosedRemote(0)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConns))

	// A second MarkClosedRemote on the same id must not double-decrement.
	table.MarkClosedRemote(0)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConns))

	table.CloseAll()
	require.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConns))
}

// TestCountParseErrorLabelsByKind covers both error categories the
// orchestrator rejects a manifest with: a typed codec ParseError carries its
// own Kind label, while comux.Validate's plain diagnostics fall back to the
// generic "VALIDATION" label.
func TestCountParseErrorLabelsByKind(t *testing.T) {
	o := New()

	_, _, decodeErr := comux.ScanHeaders(bytes.NewReader([]byte("not a manifest")))
	require.Error(t, decodeErr)
	o.countParseError(decodeErr)

	badManifest := &comux.Manifest{
		Header: comux.Header{Version: comux.Version, NumConns: 1, NumChunks: 1},
		Chunks: []comux.Chunk{{ConnID: 0, Flags: 0x80, Payload: []byte{}}},
	}
	validateErr := comux.Validate(badManifest)
	require.Error(t, validateErr)
	o.countParseError(validateErr)

	kind, ok := comux.KindOf(decodeErr)
	require.True(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.ParseErrorsByKind.WithLabelValues(kind.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.ParseErrorsByKind.WithLabelValues("VALIDATION")))
}
