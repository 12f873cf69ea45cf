package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/hongbietcode/ccengine/internal/config"
)

func newDoctorCmd() *cobra.Command {
	var command string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = config.MustHomeFrom(cmd.Context()) // ensures home resolves

			var problems []string

			// The coding-agent CLI is required to run tasks.
			if _, err := exec.LookPath(command); err != nil {
				problems = append(problems, fmt.Sprintf("missing dependency: %s (not found on PATH)", command))
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "claude", "External CLI binary to check for")
	return cmd
}
