package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/restock-gardener/pkg/restock/scheduler"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
source:
  kind: sqlite
  sqlitePath: %s
  lookbackDays: 30
  discoveryDays: 7
  rateLimit: 0
forecast:
  defaultAlgorithm: weekday_mean
  horizonDays: 2
store:
  path: %s
inventory:
  kind: static
  defaultStock: 0
  stock:
    110001/milk: 500
observability:
  metricsEnabled: false
`, filepath.Join(dir, "sales.db"), filepath.Join(dir, "restock.db"))

	path := filepath.Join(dir, "restockd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file="))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "once", "decisions", "simulate", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("v"), "klog verbosity flag is registered")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "restockd")
}

func TestSimulateOnceAndDecisions(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := execute(t, "simulate", "--config", cfgPath,
		"--zones", "110001,110002", "--items", "milk", "--days", "40", "--noise", "0")
	require.NoError(t, err)

	out, err := execute(t, "once", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var summary scheduler.CycleSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.KeysTotal)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Empty(t, summary.Failures)
	require.Len(t, summary.Decisions, 2)

	byZone := map[string]types.RestockDecision{}
	for _, d := range summary.Decisions {
		byZone[d.Key.ZoneID] = d
	}
	assert.False(t, byZone["110001"].Triggered, "well stocked zone does not restock")
	assert.True(t, byZone["110002"].Triggered, "empty zone restocks")
	assert.Greater(t, byZone["110002"].RecommendedQuantity, 0.0)

	out, err = execute(t, "decisions", "--config", cfgPath, "--zone", "110002", "--item", "milk", "--json")
	require.NoError(t, err)
	var decisions []types.RestockDecision
	require.NoError(t, json.Unmarshal([]byte(out), &decisions))
	require.Len(t, decisions, 1)
	assert.Equal(t, summary.ID, decisions[0].CycleID)

	out, err = execute(t, "decisions", "--config", cfgPath, "--cycle", summary.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "110001")
	assert.Contains(t, out, "110002")
}

func TestDecisionsRequiresKeyOrCycle(t *testing.T) {
	_, err := execute(t, "decisions", "--config", writeConfig(t), "--zone", "110001")
	assert.Error(t, err)
}

func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: \"\"\n"), 0o644))

	_, err := execute(t, "once", "--config", path)
	assert.Error(t, err)
}
