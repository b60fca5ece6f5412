package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadAgentMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "10-sources.yaml", `
agent_id: host-a
sources:
  nfs1:
    driver: fs
    uri: /mnt/share
senders:
  fusion1:
    driver: http
    uri: https://fusion.example:8443
    credential: key-123
`)
	writeConfig(t, dir, "20-pipes.yaml", `
pipes:
  p1:
    source: nfs1
    sender: fusion1
    audit_interval_sec: 300
`)

	cfg, err := LoadAgent(dir)
	require.NoError(t, err)
	assert.Equal(t, "host-a", cfg.AgentID)
	require.Contains(t, cfg.Sources, "nfs1")
	require.Contains(t, cfg.Pipes, "p1")
	assert.Equal(t, 300.0, cfg.Pipes["p1"].AuditIntervalSec)
}

func TestLoadAgentLastDefinitionWins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "sources:\n  s:\n    driver: fs\n    uri: /first\nsenders:\n  f:\n    driver: http\n    uri: https://fusion:1\n    credential: k\n")
	writeConfig(t, dir, "b.yaml", "sources:\n  s:\n    driver: fs\n    uri: /second\n")

	cfg, err := LoadAgent(dir)
	require.NoError(t, err)
	assert.Equal(t, "/second", cfg.Sources["s"].URI, "files merge in name order, last wins")
}

func TestLoadAgentRejectsDanglingReference(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "cfg.yaml", `
sources:
  s:
    driver: fs
    uri: /mnt
senders:
  f:
    driver: http
    uri: https://fusion:1
    credential: k
pipes:
  p1:
    source: missing
    sender: f
`)
	_, err := LoadAgent(dir)
	assert.Error(t, err)
}

func TestLoadAgentEmptyDirFails(t *testing.T) {
	_, err := LoadAgent(t.TempDir())
	assert.Error(t, err)
}

func TestLoadFusion(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "fusion.yaml", `
receivers:
  r1:
    driver: http
    port: 8900
    api_keys:
      - key: secret-1
        pipe_id: p1
views:
  v1:
    driver: fs
pipes:
  p1:
    receiver: r1
    views: [v1]
    session_timeout_seconds: 30
`)

	cfg, err := LoadFusion(dir)
	require.NoError(t, err)
	require.Contains(t, cfg.Pipes, "p1")
	assert.Equal(t, []string{"v1"}, cfg.Pipes["p1"].Views)
	assert.Equal(t, "secret-1", cfg.Receivers["r1"].APIKeys[0].Key)
}

func TestLoadFusionRejectsUnknownView(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "fusion.yaml", `
receivers:
  r1:
    driver: http
    port: 8900
    api_keys:
      - key: k
        pipe_id: p1
pipes:
  p1:
    receiver: r1
    views: [ghost]
`)
	_, err := LoadFusion(dir)
	assert.Error(t, err)
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{
		"throttle_interval_sec": 0.25,
		"scan_workers":          8,
		"float_as_int":          3,
	}
	assert.Equal(t, 0.25, FloatParam(params, "throttle_interval_sec", 1))
	assert.Equal(t, 3.0, FloatParam(params, "float_as_int", 1))
	assert.Equal(t, 8, IntParam(params, "scan_workers", 1))
	assert.Equal(t, 4, IntParam(params, "missing", 4))
}
