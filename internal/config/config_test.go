// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psrpc"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
client:
  address: nats://broker:4222
  topic: orders
  replyTopic: orders.replies
  replySubscription: quoters
  autoInit: true
  noAck: true
  requestTimeout: 5s
  serializer: JSONRPC
  ids: uuid
  rateLimit: 50
gateway:
  httpAddr: ":8081"
  callTimeout: 2s
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.Client.Address)
	assert.Equal(t, "orders", cfg.Client.Topic)
	assert.Equal(t, "quoters", cfg.Client.ReplySubscription)
	assert.True(t, cfg.Client.AutoInit)
	assert.True(t, cfg.Client.NoAck)
	assert.Equal(t, 5*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, SerializerJSONRPC, cfg.Client.Serializer)
	assert.Equal(t, IDsUUID, cfg.Client.IDs)
	assert.Equal(t, 1, cfg.Client.RateBurst)
	assert.Equal(t, ":8081", cfg.Gateway.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched keys keep their defaults.
	def := Default()
	assert.Equal(t, def.Gateway.GRPCAddr, cfg.Gateway.GRPCAddr)
	assert.Equal(t, def.Client.HandshakeTimeout, cfg.Client.HandshakeTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
client:
  topic: orders
`)
	t.Setenv("PSRPC_CLIENT_TOPIC", "invoices")
	t.Setenv("PSRPC_CLIENT_PORT", "4100")
	t.Setenv("PSRPC_CLIENT_REQUEST_TIMEOUT", "750ms")
	t.Setenv("PSRPC_GATEWAY_HTTP_ADDR", ":9999")
	t.Setenv("PSRPC_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "invoices", cfg.Client.Topic)
	assert.Equal(t, 4100, cfg.Client.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.RequestTimeout)
	assert.Equal(t, ":9999", cfg.Gateway.HTTPAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "client: [unterminated"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Client.Serializer = "xml"
	cfg.Client.IDs = "random"
	cfg.Client.Transport = "udp"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"client.serializer", "client.ids", "client.transport", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	cfg.Client.Address = "mem://config-options"
	cfg.Client.Serializer = SerializerJSONRPC
	cfg.Client.IDs = IDsUUID
	cfg.Client.RateLimit = 10
	cfg.Client.RateBurst = 2

	c, err := psrpc.NewClient(cfg.Client.PSRPC(), cfg.Client.Options(cfg.Log.Logger(&bytes.Buffer{}), nil)...)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "mem://config-options", c.Config().ResolvedAddress())
	assert.Equal(t, cfg.Client.RequestTimeout, c.Config().RequestTimeout)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	LogConfig{Format: "text"}.Logger(&buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
