package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hongbietcode/ccengine/internal/config"
	"github.com/hongbietcode/ccengine/internal/daemon"
)

func newStartCmd() *cobra.Command {
	var (
		port          int
		foreground    bool
		maxConcurrent int
		maxPerProject int
		command       string
		dev           bool
		pprofAddr     string
		envFile       string
		dbDriver      string
		dbURL         string
		enableOtel    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the ccengine daemon",
		Long:  "Start the ccengine daemon.\n\nFlags left at their defaults fall back to values from <home>/config.yaml when present.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())

			settings, err := config.LoadSettings(home)
			if err != nil {
				return fmt.Errorf("load %s: %w", config.SettingsPath(home), err)
			}
			if settings != nil {
				f := cmd.Flags()
				if !f.Changed("port") && settings.Port != 0 {
					port = settings.Port
				}
				if !f.Changed("max-concurrent") && settings.MaxConcurrent != 0 {
					maxConcurrent = settings.MaxConcurrent
				}
				if !f.Changed("max-per-project") && settings.MaxPerProject != 0 {
					maxPerProject = settings.MaxPerProject
				}
				if !f.Changed("command") && settings.Command != "" {
					command = settings.Command
				}
				if !f.Changed("db-driver") && settings.DBDriver != "" {
					dbDriver = settings.DBDriver
				}
				if !f.Changed("db-url") && settings.DBURL != "" {
					dbURL = settings.DBURL
				}
				if !f.Changed("pprof") && settings.PprofAddr != "" {
					pprofAddr = settings.PprofAddr
				}
				if !f.Changed("otel") && settings.Otel != nil {
					enableOtel = *settings.Otel
				}
			}

			opts := daemon.StartOptions{
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
			}

			api := fmt.Sprintf("http://localhost:%d", port)

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting ccengine in foreground on %s\n", api)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ccengine started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", api)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 5, "Max concurrent runs across all projects")
	cmd.Flags().IntVar(&maxPerProject, "max-per-project", 10, "Max concurrent runs per project")
	cmd.Flags().StringVar(&command, "command", "", "External CLI binary used for runs (default: claude)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (CORS for the desktop shell dev server)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set CCENGINE_DB_URL)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE/run instrumentation)")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
