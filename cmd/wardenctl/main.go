// wardenctl is the control CLI for wardend. It speaks the daemon's
// unix-socket protocol: inspecting status, reviewing pending
// proposals, and driving approvals, rejections, and rollbacks.
package main

import (
	"fmt"
	"os"

	"wardend/internal/config"
	"wardend/internal/ipc"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var socketPath string

func main() {
	root := &cobra.Command{
		Use:          "wardenctl",
		Short:        "Control utility for wardend",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default from WARDEND_DATA_DIR)")

	root.AddCommand(
		newStatusCmd(),
		newNoticeCmd(),
		newHistoryCmd(),
		newIterateCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newDiffCmd(),
		newRollbackCmd(),
		newBackupsCmd(),
		newReadCmd(),
		newExecCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// connect dials the daemon, honoring the --socket override.
func connect() (*ipc.Client, error) {
	cfg := ipc.DefaultClientConfig(config.DataDir())
	if socketPath != "" {
		cfg.SocketPath = socketPath
	} else if cfg2, err := config.Load(""); err == nil {
		cfg.SocketPath = cfg2.IPC.SocketPath
	}

	client, err := ipc.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to wardend: %w", err)
	}
	return client, nil
}
