// Package process launches script interpreters as child processes and owns
// their lifecycle: pipes, captured stderr, exit status and forced
// termination of the whole process group.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"scriptflow/internal/scripterr"
)

type Launch string

const (
	// LaunchInline passes the script text as an interpreter argument
	// (python3 -c "<script>").
	LaunchInline Launch = "inline"
	// LaunchFile passes a path to the script file.
	LaunchFile Launch = "file"
)

const (
	DefaultInlineFlag = "-c"
	DefaultStderrTail = 16 << 10
	DefaultWaitDelay  = 2 * time.Second
)

// Spec describes how to launch one child.
type Spec struct {
	Interpreter string
	InlineFlag  string
	// Args go between the interpreter and the script, e.g. "-u".
	Args []string
	// Script is the script text. ScriptPath, when set, is used as is in
	// LaunchFile mode instead of writing Script to a temporary file.
	Script     string
	ScriptPath string
	Launch     Launch
	// MergeStderr interleaves stderr into the stdout stream. Otherwise
	// stderr is captured separately and kept for diagnostics.
	MergeStderr bool
	Env         []string
	Dir         string
	StderrTail  int
	WaitDelay   time.Duration
}

// Argv returns the command line for spec, with path as the script file in
// LaunchFile mode.
func (s Spec) Argv(path string) []string {
	argv := append([]string{s.Interpreter}, s.Args...)
	if s.Launch == LaunchFile {
		return append(argv, path)
	}
	flag := s.InlineFlag
	if flag == "" {
		flag = DefaultInlineFlag
	}
	return append(argv, flag, s.Script)
}

// ExitStatus is the outcome of a finished child.
type ExitStatus struct {
	Code int
	// Signaled is set when the child was killed rather than exiting.
	Signaled bool
	Err      error
}

func (s ExitStatus) Success() bool { return s.Err == nil && s.Code == 0 && !s.Signaled }

// Handle is a running (or finished) child.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	outR   *os.File
	stderr *tailBuffer
	merged bool

	done   chan struct{}
	status ExitStatus

	closeOnce sync.Once
	killOnce  sync.Once
}

// Spawn starts the interpreter described by spec. The child outlives ctx;
// it is stopped only by Terminate or Close.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, scripterr.Wrap(scripterr.ErrProcessStart, err, "spawn %s", spec.Interpreter)
	}
	if spec.Interpreter == "" {
		return nil, scripterr.New(scripterr.ErrProcessStart, "no interpreter configured")
	}

	path, cleanup, err := scriptFile(spec)
	if err != nil {
		return nil, scripterr.Wrap(scripterr.ErrProcessStart, err, "write script file")
	}
	argv := spec.Argv(path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	setProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, scripterr.Wrap(scripterr.ErrProcessStart, err, "stdout pipe")
	}
	cmd.Stdout = outW
	tailSize := spec.StderrTail
	if tailSize <= 0 {
		tailSize = DefaultStderrTail
	}
	errBuf := newTailBuffer(tailSize)
	if spec.MergeStderr {
		cmd.Stderr = outW
	} else {
		cmd.Stderr = errBuf
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		outR.Close()
		outW.Close()
		cleanup()
		return nil, scripterr.Wrap(scripterr.ErrProcessStart, err, "stdin pipe")
	}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		stdin.Close()
		cleanup()
		return nil, scripterr.Wrap(scripterr.ErrProcessStart, err, "start %s", argv[0])
	}
	// the child holds its own copy
	outW.Close()

	h := &Handle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(outR, 64<<10),
		outR:   outR,
		stderr: errBuf,
		merged: spec.MergeStderr,
		done:   make(chan struct{}),
	}
	go h.wait(cleanup)
	return h, nil
}

func (h *Handle) wait(cleanup func()) {
	err := h.cmd.Wait()
	st := ExitStatus{Code: h.cmd.ProcessState.ExitCode()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		st.Signaled = st.Code < 0
	case errors.Is(err, exec.ErrWaitDelay):
		// exited; an inherited stderr pipe stayed open past WaitDelay
	default:
		st.Err = err
	}
	h.status = st
	cleanup()
	close(h.done)
}

func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Stdin is the child's standard input.
func (h *Handle) Stdin() io.Writer { return h.stdin }

// Stdout is the child's standard output, buffered. With MergeStderr it also
// carries stderr.
func (h *Handle) Stdout() *bufio.Reader { return h.stdout }

// CloseInput closes the child's stdin, signalling end of input.
func (h *Handle) CloseInput() error { return h.stdin.Close() }

// Stderr returns the captured tail of stderr. Empty when merged.
func (h *Handle) Stderr() string { return h.stderr.String() }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the child has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminate kills the child's process group. It is idempotent, never
// blocks on the child and is safe to call concurrently with reads.
func (h *Handle) Terminate() {
	h.killOnce.Do(func() {
		h.stdin.Close()
		if !h.Exited() {
			killGroup(h.cmd.Process)
		}
	})
}

// Close terminates the child if it is still running, reaps it and releases
// the stdout pipe. Safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.Terminate()
		<-h.done
		h.outR.Close()
	})
	return nil
}

// scriptFile materialises the script for LaunchFile mode. The returned
// cleanup removes any temporary file.
func scriptFile(spec Spec) (string, func(), error) {
	noop := func() {}
	if spec.Launch != LaunchFile {
		return "", noop, nil
	}
	if spec.ScriptPath != "" {
		return spec.ScriptPath, noop, nil
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("scriptflow-%s.script", uuid.NewString()))
	if err := os.WriteFile(path, []byte(spec.Script), 0o600); err != nil {
		return "", noop, err
	}
	return path, func() { os.Remove(path) }, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
