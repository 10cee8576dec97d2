package main

import (
	"bytes"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/viewsync"
)

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "viewsync") {
		t.Fatalf("version output %q lacks module path", out.String())
	}
}

func TestDefaultConfigYAMLRoundTrips(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Listen != viewsync.DefaultListen {
		t.Fatalf("listen = %q", got.Listen)
	}
	if got.Store != viewsync.DefaultStore {
		t.Fatalf("store = %q", got.Store)
	}
	if got.LeaseTTL != viewsync.DefaultLeaseTTL.String() {
		t.Fatalf("lease-ttl = %q", got.LeaseTTL)
	}
}

func TestRootCommandRegistersFlags(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	for _, name := range []string{"listen", "metrics-listen", "store", "lease-ttl", "max-upload", "convert-endpoint", "log-level"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("flag %q not registered", name)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("persistent flag config not registered")
	}
}
