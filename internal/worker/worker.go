package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/jobq/internal/hctx"
	"github.com/bytedance/sonic"
)

const (
	// maxStderr bounds how much of a failing command's stderr ends up in the error.
	maxStderr = 512
	// waitDelay caps how long Run waits on output pipes held open by
	// grandchildren after the command itself was killed.
	waitDelay = 2 * time.Second
)

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func getBuf() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuf(b *bytes.Buffer) {
	if b.Cap() > 1<<20 {
		return
	}
	bufPool.Put(b)
}

// Command runs an external program once per job. The payload is written to
// its stdin and the job's identity is exported as JOBQ_* variables.
type Command struct {
	Path string
	Args []string
	// Env is appended to the current process environment.
	Env []string
	// Timeout bounds a single run. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Run executes the command for one job. A zero exit status succeeds with the
// trimmed stdout as result: raw JSON when stdout is valid JSON, a string
// otherwise. Any other outcome is an error carrying the tail of stderr.
func (c Command) Run(ctx context.Context, payload []byte) (any, error) {
	if c.Path == "" {
		return nil, errors.New("worker: no command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	stdout, stderr := getBuf(), getBuf()
	defer putBuf(stdout)
	defer putBuf(stderr)

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	cmd.Env = append(append(os.Environ(), c.Env...), jobEnv(ctx)...)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("worker: %s: %w", c.Path, ctx.Err())
		}
		if msg := tail(bytes.TrimSpace(stderr.Bytes()), maxStderr); len(msg) > 0 {
			return nil, fmt.Errorf("worker: %s: %w: %s", c.Path, err, msg)
		}
		return nil, fmt.Errorf("worker: %s: %w", c.Path, err)
	}
	return decodeOutput(stdout.Bytes()), nil
}

func jobEnv(ctx context.Context) []string {
	m, ok := hctx.From(ctx)
	if !ok || m == nil {
		return nil
	}
	return []string{
		"JOBQ_UUID=" + m.UUID,
		"JOBQ_QUEUE=" + m.Queue,
		"JOBQ_CREATED_AT=" + strconv.FormatInt(m.CreatedAt, 10),
		"JOBQ_RETRY=" + strconv.FormatBool(m.Retry),
	}
}

func decodeOutput(out []byte) any {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}
	// Copy out of the pooled buffer.
	cp := append([]byte(nil), out...)
	if sonic.Valid(cp) {
		return json.RawMessage(cp)
	}
	return string(cp)
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
