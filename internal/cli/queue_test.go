package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/outletsync/internal/config"
	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
	"github.com/kimhsiao/outletsync/internal/sync/remote"
)

// setupStore points the CLI at a fresh data directory for store outlet-1.
func setupStore(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvPrefix+"STORE_ID", "outlet-1")
	t.Setenv(config.EnvPrefix+"DATA_DIR", t.TempDir())
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")
}

// useRemote swaps the S3 client for fn for the duration of the test.
func useRemote(t *testing.T, fn queue.RemoteFunc) {
	t.Helper()
	orig := newRemote
	newRemote = func(context.Context, remote.Config) (queue.RemoteSyncClient, error) {
		return fn, nil
	}
	t.Cleanup(func() { newRemote = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// executeJSON runs args with --format json and decodes the data field
// into out.
func executeJSON(t *testing.T, out interface{}, args ...string) (CLIResponse, error) {
	t.Helper()
	raw, err := execute(t, append(args, "--format", "json")...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &resp), raw)
	if out != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
	return CLIResponse{Status: resp.Status, Error: resp.Error}, err
}

func enqueueItem(t *testing.T, entityID, priority string) models.SyncQueueItem {
	t.Helper()
	var item models.SyncQueueItem
	_, err := executeJSON(t, &item, "enqueue",
		"--entity-type", "sale", "--entity-id", entityID,
		"--operation", "create", "--priority", priority,
		"--payload", `{"total":1299}`)
	require.NoError(t, err)
	return item
}

func TestEnqueueAndStatus(t *testing.T) {
	setupStore(t)

	item := enqueueItem(t, "S-1", "critical")
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "outlet-1", item.StoreID)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.JSONEq(t, `{"total":1299}`, string(item.Payload))

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Offline")
	assert.Contains(t, out, "Pending:   1")
	assert.Contains(t, out, "Last sync: never")
}

func TestEnqueue_invalid(t *testing.T) {
	setupStore(t)

	resp, err := executeJSON(t, nil, "enqueue", "--entity-type", "sale", "--entity-id", "S-1", "--operation", "upsert")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Equal(t, "error", resp.Status)

	_, err = execute(t, "enqueue", "--entity-type", "sale", "--entity-id", "S-1", "--payload", "{not json")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestSyncRetryCancelFlow(t *testing.T) {
	setupStore(t)
	useRemote(t, func(_ context.Context, item *models.SyncQueueItem) error {
		if item.EntityID == "S-bad" {
			return errors.New("503 from central")
		}
		return nil
	})

	enqueueItem(t, "S-1", "normal")
	bad := enqueueItem(t, "S-bad", "high")

	var result struct {
		Success bool                `json:"success"`
		Process queue.ProcessResult `json:"process"`
	}
	_, err := executeJSON(t, &result, "sync")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Process.Attempted)
	assert.Equal(t, 1, result.Process.Succeeded)
	assert.Equal(t, 1, result.Process.Failed)

	var errs []struct {
		ItemID     string `json:"item_id"`
		Error      string `json:"error"`
		RetryCount int    `json:"retry_count"`
		CanRetry   bool   `json:"can_retry"`
	}
	_, err = executeJSON(t, &errs, "errors")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, bad.ID, errs[0].ItemID)
	assert.Contains(t, errs[0].Error, "503 from central")
	assert.Equal(t, 1, errs[0].RetryCount)
	assert.True(t, errs[0].CanRetry)

	out, err := execute(t, "errors", bad.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `{"total":1299}`)

	var retried models.SyncQueueItem
	_, err = executeJSON(t, &retried, "retry", bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, retried.Status)

	var cancelled models.SyncQueueItem
	_, err = executeJSON(t, &cancelled, "cancel", bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, cancelled.Status)

	resp, err := executeJSON(t, nil, "retry", bad.ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_TRANSITION", resp.Error.Code)

	out, err = execute(t, "dashboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Store outlet-1")
	assert.Contains(t, out, "Pending:     0")
}

func TestClearErrorsAndRetryAll(t *testing.T) {
	setupStore(t)
	useRemote(t, func(context.Context, *models.SyncQueueItem) error {
		return errors.New("timeout")
	})

	enqueueItem(t, "S-1", "normal")
	enqueueItem(t, "S-2", "normal")
	_, err := execute(t, "sync")
	require.NoError(t, err)

	var retried map[string]int
	_, err = executeJSON(t, &retried, "retry", "--all")
	require.NoError(t, err)
	assert.Equal(t, 2, retried["retried"])

	_, err = execute(t, "sync")
	require.NoError(t, err)

	out, err := execute(t, "clear-errors")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 2 failed items\n", out)

	out, err = execute(t, "errors")
	require.NoError(t, err)
	assert.Equal(t, "No failed items\n", out)
}

func TestSync_requiresRemote(t *testing.T) {
	setupStore(t)

	resp, err := executeJSON(t, nil, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SYNC_NOT_CONFIGURED", resp.Error.Code)
}

func TestMaintenanceCommands(t *testing.T) {
	setupStore(t)

	var cleaned map[string]int
	_, err := executeJSON(t, &cleaned, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned["removed"])
	assert.Equal(t, 7, cleaned["retention_days"])

	var reset map[string]int
	_, err = executeJSON(t, &reset, "reset-stuck", "--stale-after", "30m")
	require.NoError(t, err)
	assert.Equal(t, 0, reset["reset"])
	assert.Equal(t, 30, reset["stale_after_minutes"])

	_, err = execute(t, "reset-stuck", "--stale-after", "10s")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outletsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"store_id: outlet-9\ndata_dir: "+filepath.Join(dir, "data")+"\nlog_level: error\n"), 0o600))

	item := models.SyncQueueItem{}
	_, err := executeJSON(t, &item, "--config", path, "enqueue", "--entity-type", "inventory", "--entity-id", "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, "outlet-9", item.StoreID)
	assert.Equal(t, models.OperationUpdate, item.Operation)

	_, err = os.Stat(filepath.Join(dir, "data", "outletsync.db"))
	assert.NoError(t, err)
}

func TestMissingStoreID(t *testing.T) {
	t.Setenv(config.EnvPrefix+"DATA_DIR", t.TempDir())
	t.Setenv(config.EnvPrefix+"STORE_ID", "")

	out, err := execute(t, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	assert.Contains(t, out, "CONFIG_INVALID")
}
