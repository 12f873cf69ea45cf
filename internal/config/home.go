package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

type homeKey struct{}

// WithHome stores the ccengine home path in the context.
func WithHome(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeKey{}, home)
}

// HomeFrom returns the ccengine home path from the context, if set.
func HomeFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(homeKey{})
	s, ok := v.(string)
	return s, ok
}

// MustHomeFrom returns the home path from the context, or panics if not set.
func MustHomeFrom(ctx context.Context) string {
	if h, ok := HomeFrom(ctx); ok && h != "" {
		return h
	}
	panic("ccengine home missing from context")
}

// ResolveHome picks the ccengine home directory: the --home override wins,
// then $CCENGINE_HOME, then ~/.ccengine. The directory holds config.yaml and
// the daemon's protected runtime state.
func ResolveHome(override string) (string, error) {
	for _, candidate := range []string{override, os.Getenv("CCENGINE_HOME")} {
		if candidate != "" {
			return filepath.Clean(candidate), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine user home directory")
	}
	return filepath.Join(home, ".ccengine"), nil
}
