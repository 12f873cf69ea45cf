package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hongbietcode/ccengine/internal/config"
	"github.com/hongbietcode/ccengine/internal/daemon"
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the ccengine daemon",
		Long:  "Stop the ccengine daemon. Running task processes are killed with it; paused and pending tasks survive in the store and can be resumed after the next start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			stopped, err := daemon.Stop(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !stopped {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ccengine is not running")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		},
	}
	return cmd
}
