// Command rdmaxchg runs one peer of a remote read/write exchange over an RC queue
// pair, both peers in one process, or lists the available devices.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rdmaxchg",
		Short: "Exchange a buffer between two peers with RDMA read and write",
		Long: `rdmaxchg connects a passive and an active peer over a reliable connected queue
pair. The passive peer exposes a marker in a registered buffer; the active peer
reads it with an RDMA read and overwrites it with an RDMA write.

Queue pair details are exchanged over TCP before the transfer:
  rdmaxchg passive --provider ibverbs --device mlx5_0
  rdmaxchg active --provider ibverbs --device mlx5_0 --peer server:26214

Settings can also come from a YAML file (--config) or RDMAXCHG_* environment
variables, for example RDMAXCHG_DEVICE_NAME or RDMAXCHG_TRANSFER_PHASE_TIMEOUT.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML configuration file")
	pf.String("provider", "loopback", "verbs provider: loopback (loopback and devices commands only) or ibverbs")
	pf.String("device", "", "device name (default: first device)")
	pf.Int("port", 1, "device port number")
	pf.Int("gid-index", 0, "GID table index")
	pf.Int("buffer-size", 4096, "registered buffer size in bytes")
	pf.Int("size", 16, "bytes moved by each remote read and write")
	pf.Duration("phase-timeout", 0, "bound on each transfer phase (default 30s)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(newPeerCmd("passive", "Expose the read marker and wait for the peer's write"))
	root.AddCommand(newPeerCmd("active", "Read the peer's marker, then write ours into its buffer"))
	root.AddCommand(newLoopbackCmd())
	root.AddCommand(newDevicesCmd())
	return root
}
