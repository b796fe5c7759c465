package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuebus"
	"github.com/glimte/queuebus/config"
	"github.com/glimte/queuebus/transports/memory"
)

func TestLoadConfig(t *testing.T) {
	t.Run("flags override defaults", func(t *testing.T) {
		cfg, err := loadConfig(&globalFlags{transport: "redis", url: "redis://localhost:6379/0", service: "svc"})
		require.NoError(t, err)
		assert.Equal(t, config.TransportRedis, cfg.Transport.Kind)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Transport.URL)
		assert.Equal(t, "svc", cfg.Service)
	})

	t.Run("flags override file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queuebus.toml")
		require.NoError(t, os.WriteFile(path, []byte("service = \"from-file\"\n"), 0o600))

		cfg, err := loadConfig(&globalFlags{configPath: path})
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.Service)

		cfg, err = loadConfig(&globalFlags{configPath: path, service: "from-flag"})
		require.NoError(t, err)
		assert.Equal(t, "from-flag", cfg.Service)
	})

	t.Run("invalid result is rejected", func(t *testing.T) {
		_, err := loadConfig(&globalFlags{transport: "rabbitmq"})
		assert.ErrorContains(t, err, "transport.url")
	})
}

func TestPurgeCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"purge", "--queue", "parity-queue", "--type", "demo.GetParity"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "purged 0 messages from parity-queue\n", out.String())

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"purge"})
	assert.ErrorContains(t, cmd.Execute(), "--queue is required")
}

func TestParityService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := memory.NewTransport()

	serverTypes, err := parityTypes()
	require.NoError(t, err)
	serverCfg := config.Default()
	serverCfg.Service = "parity"
	server, err := queuebus.NewClient(ctx, serverCfg,
		queuebus.WithLogger(quiet),
		queuebus.WithTransport(tr),
		queuebus.WithTypes(serverTypes),
		queuebus.WithHandlers(parityHandler(quiet)),
		queuebus.WithPrometheusRegisterer(nil),
	)
	require.NoError(t, err)
	defer server.Close(context.Background())
	require.NoError(t, server.Start(ctx))

	clientTypes, err := parityTypes()
	require.NoError(t, err)
	clientCfg := config.Default()
	clientCfg.Service = "parity-cli"
	clientCfg.Routes = map[string]string{"demo.GetParity": "parity-queue"}
	client, err := queuebus.NewClient(ctx, clientCfg,
		queuebus.WithLogger(quiet),
		queuebus.WithTransport(tr),
		queuebus.WithTypes(clientTypes),
		queuebus.WithPrometheusRegisterer(nil),
	)
	require.NoError(t, err)
	defer client.Close(context.Background())
	require.NoError(t, client.Start(ctx))

	for id, even := range map[int]bool{4: true, 7: false, 0: true} {
		reply, err := client.Bus().Request(ctx, &GetParity{ID: id})
		require.NoError(t, err)
		assert.Equal(t, &Parity{ID: id, Even: even}, reply.Payload)
	}

	t.Run("http endpoints", func(t *testing.T) {
		srv := newHTTPServer(":0", server.Health())
		require.NotNil(t, srv)
		assert.Nil(t, newHTTPServer("", server.Health()))

		for path, want := range map[string]int{"/healthz": http.StatusOK, "/livez": http.StatusOK, "/metrics": http.StatusOK} {
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, want, rec.Code, path)
		}
	})
}
