package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	jobq "github.com/UniQw/jobq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the CLI against a temp SQLite file and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file", "", "--backend", "sqlite", "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func useTempDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("JOBQ_SQLITE_PATH", path)
	return path
}

func requireSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCLI_PushAndRetryByUUID(t *testing.T) {
	sh := requireSh(t)
	path := useTempDB(t)

	_, err := run(t, "", "init")
	require.NoError(t, err)

	id, err := run(t, "", "push", "emails", `{"to":"a@b.c"}`)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out, err := run(t, "", "retry", "--uuid", id, "--", sh, "-c", `grep -q a@b.c && test "$JOBQ_QUEUE" = emails`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded=1 failed=0", out)

	// The job is gone.
	c, err := jobq.Open(context.Background(), jobq.Config{Backend: jobq.BackendSQLite, SQLite: jobq.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.HandleByUUID(context.Background(), id, func(context.Context, []byte) (any, error) { return nil, nil })
	require.ErrorIs(t, err, jobq.ErrNoJob)
}

func TestCLI_FailedJobsAreRetried(t *testing.T) {
	sh := requireSh(t)
	useTempDB(t)
	_, err := run(t, "", "init")
	require.NoError(t, err)

	id, err := run(t, `"text from stdin"`, "push", "q", "-")
	require.NoError(t, err)

	_, err = run(t, "", "retry", "--uuid", id, "--", sh, "-c", "exit 1")
	require.Error(t, err)

	out, err := run(t, "", "retry", "-q", "q", "--max", "5", "--", sh, "-c", `test "$JOBQ_RETRY" = true`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded=1 failed=0", out)

	out, err = run(t, "", "retry", "-q", "q", "--", sh, "-c", "true")
	require.NoError(t, err)
	assert.Equal(t, "succeeded=0 failed=0", out)
}

func TestCLI_RetryAvailableState(t *testing.T) {
	sh := requireSh(t)
	useTempDB(t)
	_, err := run(t, "", "init")
	require.NoError(t, err)

	_, err = run(t, "", "push", "q", `{"n":1}`)
	require.NoError(t, err)

	_, err = run(t, "", "retry", "-q", "q", "--state", "pending", "--", sh, "-c", "true")
	require.ErrorIs(t, err, jobq.ErrUnknownState)
	_, err = run(t, "", "retry", "-q", "q", "--state", "reserved", "--", sh, "-c", "true")
	require.Error(t, err)

	out, err := run(t, "", "retry", "-q", "q", "--", sh, "-c", "true")
	require.NoError(t, err)
	assert.Equal(t, "succeeded=0 failed=0", out, "the failed pool is empty")

	out, err = run(t, "", "retry", "-q", "q", "--state", "available", "--", sh, "-c", `test "$JOBQ_RETRY" = false`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded=1 failed=0", out)
}

func TestCLI_PushRejectsInvalidJSON(t *testing.T) {
	useTempDB(t)
	_, err := run(t, "", "init")
	require.NoError(t, err)

	_, err = run(t, "", "push", "q", "not json")
	require.Error(t, err)

	id, err := run(t, "", "push", "--string", "q", "not json")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCLI_PurgeNeedsConfirmation(t *testing.T) {
	useTempDB(t)
	_, err := run(t, "", "init")
	require.NoError(t, err)

	_, err = run(t, "", "purge")
	require.Error(t, err)
	_, err = run(t, "", "purge", "--yes")
	require.NoError(t, err)
}

func TestCLI_RejectsInMemoryPath(t *testing.T) {
	t.Setenv("JOBQ_SQLITE_PATH", ":memory:")
	_, err := run(t, "", "init")
	require.ErrorIs(t, err, jobq.ErrInMemoryStore)
}

func TestParseQueues(t *testing.T) {
	got, err := parseQueues([]string{"emails:3", "sms", "emails"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"emails": 4, "sms": 1}, got)

	got, err = parseQueues([]string{"tenant:a", "tenant:a:2", "q:-1x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tenant:a": 3, "q:-1x": 1}, got)

	for _, bad := range [][]string{{"q:0"}, {"q:-3"}, {":2"}, {}} {
		_, err := parseQueues(bad)
		require.Error(t, err, "%v", bad)
	}
}

func TestToPayload(t *testing.T) {
	p, err := toPayload([]byte(" {\"a\":1}\n"), false)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"a":1}`), p)

	p, err = toPayload([]byte("hello\n"), true)
	require.NoError(t, err)
	assert.Equal(t, "hello", p)

	_, err = toPayload([]byte("  "), false)
	require.Error(t, err)
	_, err = toPayload([]byte("{"), false)
	require.Error(t, err)
}

func TestPoller_MapsHandleOutcomes(t *testing.T) {
	log := newLogger("error", &bytes.Buffer{})
	cases := []struct {
		name   string
		err    error
		wantOK bool
		errIs  error
	}{
		{name: "done", wantOK: true},
		{name: "empty", err: jobq.ErrNoJob},
		{name: "handler failed", err: &jobq.HandlerError{UUID: "u", Err: errors.New("x")}, wantOK: true},
		{name: "closed", err: jobq.ErrClosed, errIs: jobq.ErrClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := poller(log, func(context.Context, string) (any, error) { return "r", tc.err })
			ok, err := p(context.Background(), "q")
			assert.Equal(t, tc.wantOK, ok)
			if tc.errIs != nil {
				require.ErrorIs(t, err, tc.errIs)
			}
		})
	}
}
