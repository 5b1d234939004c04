// Package exchange runs the one-request/one-response row protocol over a
// supervised child's pipes. A request is the JSON array of a row's encoded
// field values written as one line; the response is one JSON array.
//
// In Persistent mode one child serves every row and must answer each input
// line with exactly one output line. In PerRow mode a fresh child is spawned
// per row, fed one line, and its whole output is the response.
package exchange

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"scriptflow/internal/logging"
	"scriptflow/internal/process"
	"scriptflow/internal/scripterr"
)

type Mode string

const (
	Persistent Mode = "persistent"
	PerRow     Mode = "per_row"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Persistent:
		return Persistent, nil
	case PerRow, "per-row", "perrow":
		return PerRow, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

const (
	DefaultExitGrace = 250 * time.Millisecond
	DefaultExitWait  = 2 * time.Second

	DefaultMaxResponseBytes = 64 << 20
)

// Hooks observe the child processes a Session owns.
type Hooks struct {
	OnSpawn   func(pid int)
	OnRelease func(pid int)
}

type Config struct {
	Process process.Spec
	Mode    Mode
	// ExitGrace is how long an unparsable response waits for the child to
	// exit, so a crashing script reports as an execution error.
	ExitGrace time.Duration
	// ExitWait bounds the wait for an exit status once the child has
	// closed its output.
	ExitWait time.Duration
	// MaxResponseBytes caps one response in either mode.
	MaxResponseBytes int
	Hooks            Hooks
	Logger           *slog.Logger
}

// Session owns the child process(es) of one stage instance. Exchanges are
// serialised; Close may be called concurrently with an in-flight exchange.
type Session struct {
	cfg Config
	log *slog.Logger

	// mu serialises exchanges: request N+1 is never written before
	// response N is consumed.
	mu sync.Mutex

	hmu    sync.Mutex
	h      *process.Handle
	closed bool
}

func New(cfg Config) *Session {
	if cfg.Mode == "" {
		cfg.Mode = Persistent
	}
	if cfg.ExitGrace == 0 {
		cfg.ExitGrace = DefaultExitGrace
	}
	if cfg.ExitWait == 0 {
		cfg.ExitWait = DefaultExitWait
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	l := cfg.Logger
	if l == nil {
		l = logging.L()
	}
	return &Session{cfg: cfg, log: l}
}

func (s *Session) Mode() Mode { return s.cfg.Mode }

// Start spawns the long-lived child in Persistent mode. In PerRow mode it
// does nothing; children are spawned by Exchange.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.Mode != Persistent {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.acquire(ctx)
	return err
}

type result struct {
	values []any
	err    error
}

// Exchange sends one request and returns the decoded JSON array of the
// response. Any failure discards the child; Persistent mode respawns it on
// the next call.
func (s *Session) Exchange(ctx context.Context, values []any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(values)
	if err != nil {
		return nil, scripterr.Wrap(scripterr.ErrUnsupportedDataType, err, "encode request")
	}
	line = append(line, '\n')

	h, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	res := make(chan result, 1)
	go func() {
		if s.cfg.Mode == PerRow {
			res <- s.oneShot(h, line)
		} else {
			res <- s.roundTrip(h, line)
		}
	}()

	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		s.release(h)
		<-res
		if s.isClosed() {
			return nil, closedDuringExchange()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, scripterr.Wrap(scripterr.ErrDeadlineExceeded, ctx.Err(), "no response from pid %d", h.Pid())
		}
		return nil, scripterr.Wrap(ctx.Err(), nil, "exchange with pid %d abandoned", h.Pid())
	}

	if r.err != nil {
		s.release(h)
		if s.isClosed() {
			return nil, closedDuringExchange()
		}
		s.log.Warn("exchange failed", "pid", h.Pid(), "kind", scripterr.KindOf(r.err), "err", r.err)
		return nil, r.err
	}
	if s.cfg.Mode == PerRow {
		s.release(h)
	}
	return r.values, nil
}

// roundTrip writes one line to a long-lived child and reads one line back.
func (s *Session) roundTrip(h *process.Handle, line []byte) result {
	if _, err := h.Stdin().Write(line); err != nil {
		return result{err: s.exitFailure(h, nil, fmt.Errorf("write request: %w", err))}
	}
	for {
		b, err := readLine(h.Stdout(), s.cfg.MaxResponseBytes)
		if errors.Is(err, errLineTooLong) {
			detail := fmt.Sprintf("response line exceeds %d bytes", s.cfg.MaxResponseBytes)
			return result{err: scripterr.Framing(detail, s.output(h, b[:min(len(b), 512)]))}
		}
		if len(bytes.TrimSpace(b)) == 0 {
			if err != nil {
				return result{err: s.exitFailure(h, nil, fmt.Errorf("read response: %w", err))}
			}
			continue
		}
		vals, perr := parseArray(b)
		if perr != nil {
			return result{err: s.badResponse(h, b, perr)}
		}
		return result{values: vals}
	}
}

var errLineTooLong = errors.New("line too long")

// readLine reads through the next newline, failing once more than limit
// bytes arrive without one.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return line, errLineTooLong
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

// oneShot feeds a fresh child one line, closes its input and takes its whole
// output as the response.
func (s *Session) oneShot(h *process.Handle, line []byte) result {
	// A child that exits without reading its input is judged by its exit
	// status and output, not by the broken pipe.
	h.Stdin().Write(line)
	h.CloseInput()

	out, rerr := io.ReadAll(io.LimitReader(h.Stdout(), int64(s.cfg.MaxResponseBytes)+1))
	if len(out) > s.cfg.MaxResponseBytes {
		// The child may still be blocked writing; Exchange kills it.
		detail := fmt.Sprintf("response exceeds %d bytes", s.cfg.MaxResponseBytes)
		return result{err: scripterr.Framing(detail, s.output(h, out[:min(len(out), 512)]))}
	}
	st, _ := h.Wait(context.Background())
	if !st.Success() {
		return result{err: scripterr.Execution(st.Code, s.output(h, out))}
	}
	if rerr != nil {
		return result{err: scripterr.Framing("read response: "+rerr.Error(), s.output(h, out))}
	}

	vals, err := parseArray(out)
	if err != nil {
		return result{err: scripterr.Framing(err.Error(), s.output(h, out))}
	}
	return result{values: vals}
}

// exitFailure classifies a broken pipe: the child has gone away or closed
// its output.
func (s *Session) exitFailure(h *process.Handle, out []byte, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExitWait)
	defer cancel()
	st, err := h.Wait(ctx)
	switch {
	case err != nil:
		return &scripterr.Error{Kind: scripterr.ErrProtocolFraming, Detail: "child closed its output", Output: s.output(h, out), Err: cause}
	case !st.Success():
		return scripterr.Execution(st.Code, s.output(h, out))
	default:
		return &scripterr.Error{Kind: scripterr.ErrProtocolFraming, Detail: "child exited before responding", Output: s.output(h, out), Err: cause}
	}
}

// badResponse classifies an unparsable line. Scripts that crash usually
// print a traceback and exit, so give the child a moment to do so.
func (s *Session) badResponse(h *process.Handle, line []byte, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExitGrace)
	defer cancel()
	if st, err := h.Wait(ctx); err == nil && !st.Success() {
		out := append(append([]byte(nil), line...), buffered(h)...)
		return scripterr.Execution(st.Code, s.output(h, out))
	}
	return scripterr.Framing(cause.Error(), s.output(h, line))
}

// output is the diagnostic text of a failure: what the child printed on
// stdout plus, when kept separate, the tail of its stderr.
func (s *Session) output(h *process.Handle, stdout []byte) string {
	out := strings.TrimSpace(string(stdout))
	if s.cfg.Process.MergeStderr {
		return out
	}
	errOut := strings.TrimSpace(h.Stderr())
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	}
	return out + "\n" + errOut
}

// buffered returns stdout bytes already read from the pipe without
// blocking.
func buffered(h *process.Handle) []byte {
	r := h.Stdout()
	b, _ := r.Peek(r.Buffered())
	return b
}

func (s *Session) acquire(ctx context.Context) (*process.Handle, error) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.closed {
		return nil, scripterr.New(scripterr.ErrClosed, "session closed")
	}
	if s.h != nil {
		if s.cfg.Mode == Persistent && !s.h.Exited() {
			return s.h, nil
		}
		s.dropLocked()
	}
	h, err := process.Spawn(ctx, s.cfg.Process)
	if err != nil {
		return nil, err
	}
	s.h = h
	s.log.Debug("child spawned", "pid", h.Pid(), "mode", s.cfg.Mode, "interpreter", s.cfg.Process.Interpreter)
	if s.cfg.Hooks.OnSpawn != nil {
		s.cfg.Hooks.OnSpawn(h.Pid())
	}
	return h, nil
}

// release kills and reaps h, dropping it if the session still owns it.
func (s *Session) release(h *process.Handle) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.h == h {
		s.dropLocked()
		return
	}
	h.Close()
}

func (s *Session) dropLocked() {
	h := s.h
	s.h = nil
	h.Close()
	s.log.Debug("child released", "pid", h.Pid())
	if s.cfg.Hooks.OnRelease != nil {
		s.cfg.Hooks.OnRelease(h.Pid())
	}
}

func (s *Session) isClosed() bool {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.closed
}

// Close terminates the current child, if any. It does not wait for an
// in-flight exchange and never fails.
func (s *Session) Close() error {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.h != nil {
		s.dropLocked()
	}
	return nil
}

func closedDuringExchange() error {
	return scripterr.New(scripterr.ErrClosed, "session closed during exchange")
}

// parseArray decodes exactly one JSON array, keeping numbers as json.Number.
func parseArray(b []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("response is %s, not a JSON array", jsonKind(v))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after response array")
	}
	return arr, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number:
		return "a number"
	}
	return fmt.Sprintf("%T", v)
}
