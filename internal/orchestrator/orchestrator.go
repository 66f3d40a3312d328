// Package orchestrator implements the replay orchestrator: given a
// parsed manifest and an already-listening server socket, it establishes
// per-chunk-id connections, dispatches chunks in scheduling order with
// precise per-connection ordering and half-close semantics, and terminates
// the host process on completion.
package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/cwshugg/comux/internal/comux"
	"github.com/cwshugg/comux/internal/logger"
)

// Orchestrator is constructed once per embedding host and activated exactly
// once via Activate, idempotent via a sync.Once guard.
type Orchestrator struct {
	once    sync.Once
	Metrics *Metrics

	// Exit is the ordinary process-termination hook; defaults to os.Exit
	// but is overridable so tests can observe the orchestrator's single
	// termination path without killing the test binary.
	Exit func(code int)
	// ImmediateExit is used instead of Exit when Config.ExitImmediate is
	// set. It defaults to syscall.Exit, which terminates the process
	// directly without running any deferred Go runtime cleanup that
	// os.Exit's call path would otherwise reach.
	ImmediateExit func(code int)
}

// New builds an Orchestrator with its own metrics registry.
func New() *Orchestrator {
	return &Orchestrator{Metrics: NewMetrics(), Exit: os.Exit, ImmediateExit: syscall.Exit}
}

// Activate is the orchestrator's single entry point, corresponding to
// whichever boundary event the embedding host treats as "the server is now
// live": a successful listen, the first epoll_wait on a registered set, or
// the first accept. The embedding host calls this at whichever of those it
// observes first; repeated calls on the same *Orchestrator are no-ops after
// the first.
func (o *Orchestrator) Activate(ctx context.Context, ln net.Listener, manifestSrc io.ReaderAt, cfg Config) error {
	var runErr error
	o.once.Do(func() {
		runErr = o.run(ctx, ln, manifestSrc, cfg)
	})
	return runErr
}

func (o *Orchestrator) run(ctx context.Context, ln net.Listener, manifestSrc io.ReaderAt, cfg Config) error {
	runID := uuid.NewString()
	log := logger.WithRun(logger.Logger(), runID)

	header := io.NewSectionReader(manifestSrc, 0, 1<<40)
	hdr, chunks, err := comux.ScanHeaders(header)
	if err != nil {
		o.countParseError(err)
		fatal("orchestrator.scan_header", err)
		return err
	}

	m := &comux.Manifest{Header: hdr, Chunks: chunks}
	if err := comux.Validate(m); err != nil {
		o.countParseError(err)
		fatal("orchestrator.validate", err)
		return err
	}

	order := m.TransmissionOrder()
	finalForConn := lastIndexPerConn(m.Chunks, order)

	table := NewConnTable(ln.Addr().String(), o.Metrics)
	defer table.CloseAll()

	if cfg.NoWait {
		o.runParallel(ctx, table, manifestSrc, m, order, finalForConn, cfg, log)
	} else {
		o.runSequential(ctx, table, manifestSrc, m, order, finalForConn, cfg, log)
	}

	log.Info("orchestrator: replay complete", "chunks", len(m.Chunks), "conns", hdr.NumConns)
	o.terminate(cfg)
	return nil
}

func (o *Orchestrator) runSequential(ctx context.Context, table *ConnTable, src io.ReaderAt, m *comux.Manifest, order []int, finalForConn map[int]bool, cfg Config, log *slog.Logger) {
	for _, idx := range order {
		c := m.Chunks[idx]
		runWorker(ctx, table, src, c, finalForConn[idx], cfg, o.Metrics, os.Stdout, log)
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, table *ConnTable, src io.ReaderAt, m *comux.Manifest, order []int, finalForConn map[int]bool, cfg Config, log *slog.Logger) {
	var wg sync.WaitGroup
	for _, idx := range order {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := m.Chunks[idx]
			runWorker(ctx, table, src, c, finalForConn[idx], cfg, o.Metrics, os.Stdout, log)
		}()
	}
	wg.Wait()
}

// lastIndexPerConn computes, for each chunk index, whether it is the last
// chunk in transmission order for its conn_id — the worker contract's
// is_final_for_conn parameter.
func lastIndexPerConn(chunks []comux.Chunk, order []int) map[int]bool {
	lastForID := make(map[uint32]int)
	for _, idx := range order {
		lastForID[chunks[idx].ConnID] = idx
	}
	final := make(map[int]bool, len(order))
	for _, idx := range lastForID {
		final[idx] = true
	}
	return final
}

// countParseError records a manifest-rejection in Metrics.ParseErrorsByKind,
// labeled by the codec's Kind when err is a typed *comux.ParseError, or
// "VALIDATION" for the string-diagnostic errors comux.Validate returns.
func (o *Orchestrator) countParseError(err error) {
	if o.Metrics == nil || err == nil {
		return
	}
	label := "VALIDATION"
	if kind, ok := comux.KindOf(err); ok {
		label = kind.String()
	}
	o.Metrics.ParseErrorsByKind.WithLabelValues(label).Inc()
}

// terminate is the orchestrator's sole process-termination path: workers
// never exit the process themselves.
func (o *Orchestrator) terminate(cfg Config) {
	if cfg.ExitImmediate {
		o.ImmediateExit(0)
		return
	}
	o.Exit(0)
}
