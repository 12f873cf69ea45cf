package daemon

// StartOptions configures the daemon (home, port, governor limits, runner
// command, DB, metrics).
type StartOptions struct {
	Home          string
	Port          int
	MaxConcurrent int    // global run limit (0 = default)
	MaxPerProject int    // per-project run limit (0 = default)
	Command       string // external CLI binary; default "claude"
	Dev           bool
	PprofAddr     string
	DBDriver      string // "sqlite" (default) or "postgres"
	DBURL         string // for postgres: connection string (or CCENGINE_DB_URL env)
	EnableOtel    bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE/run instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
