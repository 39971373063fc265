package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// readTimeout bounds a single stdout read from an engine subprocess. A
// subprocess that doesn't answer within this window is a soft failure of
// the current task, not of the instance — unless its pipes are found
// broken, in which case the instance itself is torn down.
const readTimeout = 2 * time.Second

// task is one unit of work submitted to an instance's queue.
type task struct {
	gameID  string
	req     Request
	reply   chan taskResult
	id      string // correlation id for log lines
	created time.Time
}

type taskResult struct {
	ok   bool
	resp Response
	err  error
}

// instance owns one engine subprocess exclusively: its worker is the only
// reader of its stdout.
type instance struct {
	id        int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	stdoutRaw io.ReadCloser
	stderr    io.ReadCloser

	queue chan *task

	createdAt      time.Time
	lastUsed       atomic.Int64 // unix nanos
	tasksProcessed atomic.Int64
}

// spawnInstance starts a new engine subprocess, probes it once with a
// "ping" request, and only returns an admitted instance if the probe
// reports "valid". Any read or parse failure on the probe response fails
// the spawn immediately, matching EngineHandler._spawn_instance's
// single-attempt probe.
func spawnInstance(id int, path string, args []string, queueSize int) (*instance, error) {
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: starting subprocess: %w", err)
	}

	inst := &instance{
		id:        id,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdout),
		stdoutRaw: stdout,
		stderr:    stderr,
		queue:     make(chan *task, queueSize),
		createdAt: time.Now(),
	}
	inst.lastUsed.Store(time.Now().UnixNano())

	probe, err := Request{Reason: ReasonPing}.encode()
	if err != nil {
		killProcess(cmd)
		return nil, err
	}

	if _, err := inst.stdin.Write(probe); err != nil {
		killProcess(cmd)
		return nil, fmt.Errorf("engine: writing probe: %w", err)
	}
	line, err := readLineWithTimeout(inst.stdout, readTimeout)
	if err != nil {
		killProcess(cmd)
		return nil, fmt.Errorf("engine: reading probe response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		killProcess(cmd)
		return nil, fmt.Errorf("engine: malformed probe response: %w", err)
	}

	if !resp.Valid() {
		killProcess(cmd)
		return nil, fmt.Errorf("engine: probe rejected: %+v", resp)
	}

	return inst, nil
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_, _ = cmd.Process.Wait()
}

// run is the worker loop for this instance: it pops one task at a time,
// serializes the request to stdin, and reads one response line with a
// bounded timeout. It exits when the pool's done channel closes or the
// subprocess's pipes are found broken.
func (inst *instance) run(done <-chan struct{}, onExit func(id int)) {
	defer onExit(inst.id)
	for {
		var t *task
		select {
		case <-done:
			return
		case t = <-inst.queue:
		}

		inst.lastUsed.Store(time.Now().UnixNano())
		inst.tasksProcessed.Add(1)

		line, err := t.req.encode()
		if err != nil {
			t.reply <- taskResult{err: err}
			continue
		}
		if _, err := inst.stdin.Write(line); err != nil {
			t.reply <- taskResult{err: fmt.Errorf("engine: writing to instance %d: %w", inst.id, err)}
			log.Printf("[engine] instance %d pipe broken on write: %v", inst.id, err)
			return
		}

		respLine, err := readLineWithTimeout(inst.stdout, readTimeout)
		if err != nil {
			t.reply <- taskResult{err: fmt.Errorf("engine: reading from instance %d: %w", inst.id, err)}
			continue
		}

		var resp Response
		if err := json.Unmarshal(respLine, &resp); err != nil {
			t.reply <- taskResult{err: fmt.Errorf("engine: parsing response from instance %d: %w", inst.id, err)}
			continue
		}
		t.reply <- taskResult{ok: true, resp: resp}
	}
}

// readLineWithTimeout reads a single newline-terminated line, bounding the
// wait with timeout. A goroutine does the blocking read; the caller selects
// between it finishing and the timer firing, mirroring the original
// implementation's thread-plus-join approach to a non-cancellable blocking
// read.
func readLineWithTimeout(r *bufio.Reader, timeout time.Duration) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadBytes('\n')
		ch <- result{line: line, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.line) == 0 {
			return nil, fmt.Errorf("engine: empty response line")
		}
		return res.line, nil
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}

// close sends a graceful exit request, waits briefly for the subprocess to
// exit on its own, kills it otherwise, and closes every pipe regardless of
// which path was taken.
func (inst *instance) close() {
	exitReq, err := Request{Reason: ReasonExit}.encode()
	if err == nil {
		_, _ = inst.stdin.Write(exitReq)
	}

	waited := make(chan error, 1)
	go func() { waited <- inst.cmd.Wait() }()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		if inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
		<-waited
	}

	_ = inst.stdin.Close()
	_ = inst.stdoutRaw.Close()
	_ = inst.stderr.Close()
}

func newCorrelationID() string {
	return uuid.New().String()
}
