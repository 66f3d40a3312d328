package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"

	"github.com/cwshugg/comux/internal/bufpool"
	"github.com/cwshugg/comux/internal/comux"
	comuxerrors "github.com/cwshugg/comux/internal/errors"
	"github.com/cwshugg/comux/internal/logger"
)

// isRemoteClose reports whether err represents one of the connection
// table's expected remote-close transitions (EPIPE or ECONNRESET). It does
// not match io.EOF; awaitResponse checks for a clean end of stream itself.
func isRemoteClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.EPIPE) || errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
	}
	return false
}

// runWorker executes exactly one chunk's transmit-and-optional-receive
// sequence. src is the manifest's byte source; stdout is where
// AWAIT_RESPONSE bytes are forwarded.
func runWorker(ctx context.Context, table *ConnTable, src io.ReaderAt, c comux.Chunk, isFinal bool, cfg Config, m *Metrics, stdout io.Writer, log *slog.Logger) {
	conn, err := table.GetOrConnect(ctx, c.ConnID)
	if err != nil {
		if IsSkip(err) {
			return // CLOSED_REMOTE: abandon this chunk cleanly, never touch the target
		}
		fatal("worker.connect", err)
		return
	}

	tuneNoSignal(conn)

	payload, mismatch, err := comux.ReadPayloadAt(src, c.Offset, c.Len)
	if err != nil {
		fatal("worker.read_payload", err)
		return
	}
	if mismatch {
		// Declared length exceeded what the source actually held; transmit
		// whatever was available rather than aborting the whole run.
		log.Warn("worker: payload shorter than declared", "conn_id", c.ConnID, "declared", c.Len, "actual", len(payload))
	}

	if err := send(conn, payload, cfg.SendBuffSize); err != nil {
		if isRemoteClose(err) {
			table.MarkClosedRemote(c.ConnID)
			return
		}
		fatal("worker.send", err)
		return
	}
	if m != nil {
		m.ChunksSent.Inc()
		m.BytesSent.Add(float64(len(payload)))
	}

	if isFinal && c.Flags&comux.FlagNoShutdown == 0 {
		if err := halfClose(conn); err != nil && !isRemoteClose(err) {
			log.Warn("worker: half-close failed", "conn_id", c.ConnID, "err", err)
		}
	}

	if c.Flags&comux.FlagAwaitResponse != 0 {
		awaitResponse(conn, cfg.RecvBuffSize, stdout, table, c.ConnID)
	}
}

// send transmits payload over conn in slices of sliceSize bytes, copying
// each slice through a pooled scratch buffer rather than writing straight
// out of the caller's payload slice.
func send(conn net.Conn, payload []byte, sliceSize int) error {
	if sliceSize <= 0 {
		sliceSize = defaultSendBuffSize
	}
	buf := bufpool.Get(sliceSize)
	defer bufpool.Put(buf)
	for off := 0; off < len(payload); off += sliceSize {
		end := off + sliceSize
		if end > len(payload) {
			end = len(payload)
		}
		n := copy(buf, payload[off:end])
		if _, err := conn.Write(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// awaitResponse reads from conn into a pooled buffer until EOF or a
// remote reset, forwarding every read chunk verbatim to stdout. A single
// trailing newline is appended if any bytes were forwarded.
func awaitResponse(conn net.Conn, bufSize int, stdout io.Writer, table *ConnTable, connID uint32) {
	if bufSize <= 0 {
		bufSize = defaultRecvBuffSize
	}
	w := bufio.NewWriter(stdout)
	buf := bufpool.Get(bufSize)
	defer bufpool.Put(buf)
	any := false
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			any = true
		}
		if err != nil {
			if isRemoteClose(err) || errors.Is(err, io.EOF) {
				table.MarkClosedRemote(connID)
			} else {
				fatal("worker.recv", err)
				return
			}
			break
		}
	}
	if any {
		w.WriteByte('\n')
	}
	w.Flush()
}

// fatal handles an operating-system/resource failure: a one-line diagnostic
// and process termination with the fixed exit code.
// It is a package-level var so tests can substitute a non-terminating
// stand-in.
var fatal = func(op string, cause error) {
	err := comuxerrors.NewFatalError(op, FatalExitCode, cause)
	logger.Error(err.Error())
	os.Exit(FatalExitCode)
}

// FatalExitCode is the fixed process exit status for OS/resource failures.
const FatalExitCode = 24060
