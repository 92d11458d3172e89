package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	events "github.com/goliatone/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
default_channel: main
outbox_table: app_outbox
channels:
  main:
    publisher: transactional
  billing:
    publisher: outbox
    routes: ["billing.#"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("EVENTS_DATABASE_URL", "")
	out := &bytes.Buffer{}
	err := run(context.Background(), args, out, &bytes.Buffer{})
	return out.String(), err
}

func TestConfigValidate(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	out, err := runCLI(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "main (default)")
	assert.Contains(t, out, "billing.#")
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := writeConfig(t, "batch_size: 0\n")

	_, err := runCLI(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.True(t, events.IsConfigurationError(err))
}

func TestOutboxSchemaPrintsConfiguredTable(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	out, err := runCLI(t, "--config", path, "outbox", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS app_outbox")
	assert.Contains(t, out, "app_outbox_pending_idx")
}

func TestOutboxCommandsRequireDSN(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	for _, args := range [][]string{
		{"outbox", "stats"},
		{"outbox", "list"},
		{"outbox", "requeue", "0b9e1b4e-8d5c-4f57-9a43-1f0c5b7f6e21"},
		{"outbox", "schema", "--apply"},
	} {
		_, err := runCLI(t, append([]string{"--config", path}, args...)...)
		require.Error(t, err, args)
		assert.True(t, events.HasCode(err, events.ErrCodeInvalidConfig), args)
	}
}

func TestOutboxListValidatesFilter(t *testing.T) {
	_, err := listCmd{Result: "LOST"}.filter()
	require.Error(t, err)

	_, err = listCmd{Result: "FAILED", Unresolved: true}.filter()
	require.Error(t, err)

	filter, err := listCmd{Result: "failed_partially", Limit: 5}.filter()
	require.NoError(t, err)
	assert.Equal(t, events.ResultFailedPartially, filter.Result)
	assert.Equal(t, 5, filter.Limit)
}

func TestRequeueRequiresIDs(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	_, err := runCLI(t, "--config", path, "outbox", "requeue")
	require.Error(t, err)
}
