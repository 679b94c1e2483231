// Package bustest runs an embedded NATS server for package tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-voicebridge/internal/bus"
	"github.com/loqalabs/loqa-voicebridge/internal/config"
	"github.com/loqalabs/loqa-voicebridge/internal/natsserver"
)

// Connect starts a private server on a random port and returns a client
// connected to it. Both are torn down with the test.
func Connect(t testing.TB) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{
		Embedded:       true,
		Port:           -1,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
		RequestTimeout: 2000,
	}
	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, log)
	if err != nil {
		srv.Shutdown()
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		srv.Shutdown()
	})
	return client
}
