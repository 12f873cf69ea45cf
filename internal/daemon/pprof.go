package daemon

import (
	"log/slog"
	"net/http"

	_ "net/http/pprof"
)

// startPprof serves the pprof handlers (registered on DefaultServeMux by the
// blank import) on their own listener, kept off the API port.
func startPprof(addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Warn("pprof listener stopped", "addr", addr, "err", err)
		}
	}()
}
