package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_SetsDocumentedDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3, cfg.AgentRetry.MaxAttempts)
	require.Equal(t, 5, cfg.AgentCircuit.FailureThreshold)
	require.Equal(t, 0.05, cfg.FormatAmbiguityThreshold)
	require.Equal(t, float64(25), cfg.ValidationWeights.Critical)
	require.Equal(t, "SpikeGLXRecordingInterface", cfg.FormatCatalog["SpikeGLX"])
}

func TestNewLoader_MergesGlobalYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.yaml")
	yaml := []byte(`
agent:
  retry:
    maxAttempts: 5
    baseDelay: 2s
engine:
  maxConcurrentSessions: 128
formatDetection:
  ambiguityThreshold: 0.1
  catalog:
    SpikeGLX: CustomRecordingInterface
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	loader, err := NewLoader(path)
	require.NoError(t, err)

	cfg := loader.Current()
	require.Equal(t, 5, cfg.AgentRetry.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.AgentRetry.BaseDelay)
	require.Equal(t, 128, cfg.EngineMaxConcurrentSessions)
	require.Equal(t, 0.1, cfg.FormatAmbiguityThreshold)
	require.Equal(t, "CustomRecordingInterface", cfg.FormatCatalog["SpikeGLX"])
	// Unset keys keep their documented defaults.
	require.Equal(t, 5, cfg.AgentCircuit.FailureThreshold)
}

func TestLoader_Watch_HotReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  retry:\n    maxAttempts: 3\n"), 0o644))

	loader, err := NewLoader(path)
	require.NoError(t, err)
	require.NoError(t, loader.Watch())
	defer loader.Close()

	changed := make(chan Config, 1)
	loader.OnChange(func(cfg Config) { changed <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  retry:\n    maxAttempts: 9\n"), 0o644))

	select {
	case cfg := <-changed:
		require.Equal(t, 9, cfg.AgentRetry.MaxAttempts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
