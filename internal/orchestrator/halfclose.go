package orchestrator

import (
	"net"

	"golang.org/x/sys/unix"
)

// halfClose shuts down the write end of conn while leaving the read end
// open. It does not look at chunk flags: runWorker calls it only after a
// connection's final chunk, and only when that chunk lacks NO_SHUTDOWN.
// Non-TCP connections use their own CloseWrite method if they have one and
// are otherwise closed outright.
func halfClose(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return conn.Close()
}

// tuneNoSignal disables Nagle's algorithm on conn, best-effort, via the raw
// fd so chunk payloads hit the wire as soon as they're written rather than
// waiting on the kernel's coalescing timer. Go's net.Conn.Write already
// surfaces a broken pipe as an error rather than raising SIGPIPE, so there
// is no signal masking to do here.
func tuneNoSignal(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
