package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hongbietcode/ccengine/internal/config"
	"github.com/hongbietcode/ccengine/internal/daemon"
	"github.com/hongbietcode/ccengine/pkg/client"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ccengine daemon status and run occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, "ccengine not running")
				return nil
			}
			_, _ = fmt.Fprintf(out, "ccengine running (pid %d)\n", st.PID)
			_, _ = fmt.Fprintf(out, "Home: %s\n", home)
			_, _ = fmt.Fprintf(out, "API:  http://%s\n", st.Addr)

			c := client.New("http://"+st.Addr, os.Getenv("CCENGINE_API_KEY"))
			u, err := c.Utilization(cmd.Context())
			if err != nil {
				// Daemon is up but the API did not answer; still a useful status.
				_, _ = fmt.Fprintf(out, "Runs: unavailable (%v)\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Runs: %d/%d active\n", u.Active, u.GlobalMax)
			return nil
		},
	}
	return cmd
}
