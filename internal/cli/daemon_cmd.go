package cli

import (
	"github.com/spf13/cobra"

	"github.com/hongbietcode/ccengine/internal/config"
	"github.com/hongbietcode/ccengine/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var (
		port          int
		maxConcurrent int
		maxPerProject int
		command       string
		dev           bool
		pprofAddr     string
		dbDriver      string
		dbURL         string
		enableOtel    bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:          home,
				Port:          port,
				MaxConcurrent: maxConcurrent,
				MaxPerProject: maxPerProject,
				Command:       command,
				Dev:           dev,
				PprofAddr:     pprofAddr,
				DBDriver:      dbDriver,
				DBURL:         dbURL,
				EnableOtel:    enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 5, "Max concurrent runs across all projects")
	cmd.Flags().IntVar(&maxPerProject, "max-per-project", 10, "Max concurrent runs per project")
	cmd.Flags().StringVar(&command, "command", "", "External CLI binary used for runs")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
