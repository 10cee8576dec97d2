package viewsync

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestServer bundles a running server with its base URL for tests.
type TestServer struct {
	*Server
	URL string
}

// StartTestServer boots a server on an ephemeral port backed by the in-memory
// store and registers cleanup with t. Options are applied after the test
// defaults.
func StartTestServer(t testing.TB, cfg Config, opts ...Option) *TestServer {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := stop(stopCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return &TestServer{
		Server: srv,
		URL:    fmt.Sprintf("http://%s", srv.ListenerAddr().String()),
	}
}
