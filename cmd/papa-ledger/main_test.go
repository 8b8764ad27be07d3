package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

// liteEnv points the process at a fresh lite-mode data dir.
func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POLICY_FILE", "")
	t.Setenv("KEYSTORE_PATH", "")
	t.Setenv("KEYSTORE_SECRET", "cli-test")
	t.Setenv("DEAD_LETTER_PATH", "")
	t.Setenv("ANCHOR_RPC_URL", "")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func seed(t *testing.T, n int) {
	t.Helper()
	cfg, err := loadConfig(io.Discard)
	require.NoError(t, err)
	a, err := openApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	for i := 0; i < n; i++ {
		_, err := a.pipeline.AppendPayload(context.Background(), "clerk", ledger.FileRegistered{
			FileID:    fmt.Sprintf("f-%d", i),
			Filename:  fmt.Sprintf("card-%d.pdf", i),
			SHA256:    fmt.Sprintf("%064x", i+1),
			SizeBytes: 10,
		})
		require.NoError(t, err)
	}
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"papa-ledger"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "rotate-request")

	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")

	code, _, _ = run()
	assert.Equal(t, 2, code)

	code, _, _ = run("anchor")
	assert.Equal(t, 2, code)
	code, _, _ = run("keys", "shred")
	assert.Equal(t, 2, code)
	code, _, _ = run("verify", "--file", "a.json", "--db", "b.db")
	assert.Equal(t, 2, code)

	var served []string
	orig := startServer
	startServer = func(args []string, _, _ io.Writer) int {
		served = args
		return 0
	}
	t.Cleanup(func() { startServer = orig })
	code, _, _ = run("serve", "--port", "9999")
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"--port", "9999"}, served)
}

func TestExportAndVerify(t *testing.T) {
	dir := liteEnv(t)
	seed(t, 3)

	out := filepath.Join(dir, "export.json")
	code, stdout, stderr := run("export", "--out", out)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "exported 3 events")

	code, stdout, stderr = run("verify", "--file", out)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "OK: 3 events verified")

	code, stdout, stderr = run("verify")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "OK: 3 events verified (0 legacy)")

	code, _, stderr = run("verify", "--db", filepath.Join(dir, "ledger.db"))
	require.Equal(t, 0, code, stderr)

	// Forge one payload in the export.
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	forged := strings.Replace(string(data), "card-1.pdf", "card-9.pdf", 1)
	require.NotEqual(t, string(data), forged)
	bad := filepath.Join(dir, "forged.json")
	require.NoError(t, os.WriteFile(bad, []byte(forged), 0o600))

	code, _, stderr = run("verify", "--file", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")

	code, _, _ = run("verify", "--file", filepath.Join(dir, "missing.json"))
	assert.Equal(t, 1, code)
}

func TestAnchorCommands(t *testing.T) {
	liteEnv(t)

	code, stdout, stderr := run("anchor", "health")
	require.Equal(t, 0, code, stderr)
	var h anchoring.Health
	require.NoError(t, json.Unmarshal([]byte(stdout), &h))
	assert.Equal(t, anchoring.HealthFailed, h.Status)

	code, stdout, stderr = run("anchor", "run")
	require.Equal(t, 0, code, stderr)
	var empty anchoring.Anchor
	require.NoError(t, json.Unmarshal([]byte(stdout), &empty))
	assert.Equal(t, anchoring.StatusEmpty, empty.Status)

	seed(t, 2)
	code, stdout, stderr = run("anchor", "run")
	require.Equal(t, 0, code, stderr)
	var a anchoring.Anchor
	require.NoError(t, json.Unmarshal([]byte(stdout), &a))
	assert.Equal(t, anchoring.StatusPending, a.Status)
	assert.Equal(t, 2, a.EventCount)
	assert.NotNil(t, a.TxHash)

	code, stdout, stderr = run("anchor", "reconcile")
	require.Equal(t, 0, code, stderr)
	var rep anchoring.ReconcileReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 1, rep.Checked)
}

func TestRetentionCommand(t *testing.T) {
	liteEnv(t)

	code, stdout, stderr := run("retention", "run")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"class": "dead_letter"`)

	code, _, stderr = run("retention", "run", "--class", "ledger_events")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "permanent")

	code, _, _ = run("retention", "purge")
	assert.Equal(t, 2, code)
}

func TestKeysCommands(t *testing.T) {
	liteEnv(t)

	code, _, _ := run("keys", "rotate-request")
	assert.Equal(t, 2, code)

	// First command against a fresh database: the audit event must reach the
	// ledger, not the dead-letter file.
	code, stdout, stderr := run("keys", "rotate-request", "--actor", "alice", "--reason", "annual")
	require.Equal(t, 0, code, stderr)
	var req keylifecycle.Request
	require.NoError(t, json.Unmarshal([]byte(stdout), &req))
	assert.Equal(t, keylifecycle.StatusPending, req.Status)
	assert.Equal(t, keylifecycle.OpRotateKey, req.Operation)
	assert.Equal(t, "alice", req.InitiatorID)

	code, stdout, stderr = run("export")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, string(ledger.EventKeyRequestCreated))

	code, stdout, stderr = run("keys", "list")
	require.Equal(t, 0, code, stderr)
	var keys []signing.KeyRecord
	require.NoError(t, json.Unmarshal([]byte(stdout), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, signing.StatusActive, keys[0].Status)
}

func TestSeedOnFreshDatabaseSignsEvents(t *testing.T) {
	liteEnv(t)
	seed(t, 1)

	cfg, err := loadConfig(io.Discard)
	require.NoError(t, err)
	a, err := openApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ev, err := a.events.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, ev.Signature)
	require.NotNil(t, ev.SigningKeyID)
	assert.True(t, a.signing.Verify(context.Background(), ev.BlockHash, *ev.Signature, *ev.SigningKeyID))

	entries, _, err := deadletter.ReadFile(cfg.DeadLetterFile())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
