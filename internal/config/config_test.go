package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 60*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 120*time.Second, cfg.Email.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.KSeF.PollInterval)
	assert.Equal(t, "tesseract", cfg.OCR.Provider)
	assert.Equal(t, "pol", cfg.OCR.Language)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  backend: memory
ocr:
  provider: external-api
  external_url: https://ocr.example.com/v1/recognize
sync:
  poll_interval: 15s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "external-api", cfg.OCR.Provider)
	assert.Equal(t, 15*time.Second, cfg.Sync.PollInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := writeConfig(t, `
store:
  backend: memory
describe:
  ai_enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Describe.AIAPIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Describe.AIModel)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
}

func TestValidateRequiresEndpointForExternalOCR(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
ocr:
  provider: google-vision
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "external_url")
}
