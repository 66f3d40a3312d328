package orchestrator

import "github.com/cwshugg/comux/internal/envconfig"

// sendBuffCap bounds both the configurable transmit and receive slice sizes
// at 2^19 bytes, matching the codec's own MaxChunkLen.
const (
	sendBuffCap         = 1 << 19
	defaultSendBuffSize = 2048
	defaultRecvBuffSize = 2048
)

// Config holds the orchestrator's environment-derived tuning knobs, read
// from the LIB_* environment variables.
type Config struct {
	// NoWait selects parallel worker mode (spawn every worker, then join
	// all of them) instead of the default sequential join-after-spawn mode.
	NoWait bool
	// SendBuffSize is the write slice size used when transmitting a
	// chunk's payload, capped at sendBuffCap.
	SendBuffSize int
	// RecvBuffSize is the read buffer size used when awaiting a response,
	// capped at sendBuffCap.
	RecvBuffSize int
	// ExitImmediate selects Orchestrator.ImmediateExit (syscall.Exit by
	// default) instead of Orchestrator.Exit (os.Exit by default) for the
	// orchestrator's sole process-termination path.
	ExitImmediate bool
	// LogDest resolves LIB_LOG's destination convention.
	LogDest envconfig.LogDest
}

// ConfigFromEnv resolves a Config from the LIB_* environment variables,
// falling back to documented defaults for anything unset.
func ConfigFromEnv() Config {
	cfg := Config{
		NoWait:        envconfig.Bool("LIB_NO_WAIT", false),
		SendBuffSize:  envconfig.Int("LIB_SEND_BUFFSIZE", defaultSendBuffSize),
		RecvBuffSize:  envconfig.Int("LIB_RECV_BUFFSIZE", defaultRecvBuffSize),
		ExitImmediate: envconfig.Bool("LIB_EXIT_IMMEDIATE", false),
		LogDest:       envconfig.ResolveLogDest("LIB_LOG"),
	}
	cfg.clamp()
	return cfg
}

func (c *Config) clamp() {
	if c.SendBuffSize <= 0 {
		c.SendBuffSize = defaultSendBuffSize
	}
	if c.SendBuffSize > sendBuffCap {
		c.SendBuffSize = sendBuffCap
	}
	if c.RecvBuffSize <= 0 {
		c.RecvBuffSize = defaultRecvBuffSize
	}
	if c.RecvBuffSize > sendBuffCap {
		c.RecvBuffSize = sendBuffCap
	}
}
