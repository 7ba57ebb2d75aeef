// Package lipsync drives an external frame-processing coprocess to produce a
// viseme event timeline from PCM audio. Each [Session] owns one coprocess
// instance; construct one session per active conversation (never share a
// hidden singleton across sessions).
//
// The coprocess protocol is strict request/response: stdin receives raw
// little-endian 16-bit PCM frames of exactly the session's buffer size,
// stdout yields one newline-terminated response per frame, and stderr is
// diagnostic-only. A session lock guarantees at most one in-flight frame.
package lipsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for [Config] fields left zero.
const (
	defaultBufferMs     = 10
	defaultFrameTimeout = 5 * time.Second
	defaultMaxRestarts  = 3
	defaultSmoothWindow = 3
)

// ErrCoprocessFailed is returned when the coprocess keeps faulting after the
// configured number of restart-and-retry cycles. It signals a fatal
// dependency error; callers should abort the current utterance.
var ErrCoprocessFailed = errors.New("lipsync: coprocess failed repeatedly")

// Config configures a lipsync [Session].
type Config struct {
	// Command is the coprocess argv prefix, e.g. ["wine", "ProcessWAV.exe"].
	// The positional args [sampleRate, bufferMs] plus "--print-as-array" in
	// array mode are appended to it.
	Command []string

	// SampleRate of the PCM frames fed to the coprocess, in Hz.
	SampleRate int

	// BufferMs is the frame duration in milliseconds. Defaults to 10.
	BufferMs int

	// FrameTimeout bounds one frame exchange. Defaults to 5s.
	FrameTimeout time.Duration

	// ArrayMode selects per-channel activation output instead of single
	// viseme labels.
	ArrayMode bool

	// SmoothWindow is the array-mode moving-average window. Defaults to 3.
	SmoothWindow int

	// MaxRestarts bounds restart-and-retry cycles within one frame exchange
	// before the fault is treated as fatal. Defaults to 3.
	MaxRestarts int
}

// Session owns one lipsync coprocess and serialises frame exchanges.
// Safe for concurrent use; frames are processed one at a time.
type Session struct {
	cfg        Config
	bufferSize int

	mu      sync.Mutex // serialises frame exchanges and process lifecycle
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool

	// lines carries response lines from the single reader goroutine of the
	// current coprocess incarnation; readerDone stops that goroutine. stale
	// counts responses owed to cancelled exchanges, discarded before the next
	// frame's response is matched.
	lines      chan lineResult
	readerDone chan struct{}
	stale      int

	restarts atomic.Int64
}

// lineResult is one stdout line from the reader goroutine.
type lineResult struct {
	line string
	err  error
}

// Restarts returns the cumulative number of coprocess restarts over the
// session's lifetime.
func (s *Session) Restarts() int64 { return s.restarts.Load() }

// NewSession creates a [Session]. The coprocess is not spawned until
// [Session.Start] or the first frame exchange.
func NewSession(cfg Config) *Session {
	if cfg.BufferMs <= 0 {
		cfg.BufferMs = defaultBufferMs
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = defaultFrameTimeout
	}
	if cfg.SmoothWindow <= 0 {
		cfg.SmoothWindow = defaultSmoothWindow
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
	return &Session{
		cfg: cfg,
		// The coprocess counts 16-bit samples, so the byte buffer is twice
		// the sample count.
		bufferSize: 2 * cfg.SampleRate * cfg.BufferMs / 1000,
	}
}

// BufferSize returns the exact frame size in bytes the coprocess expects.
func (s *Session) BufferSize() int { return s.bufferSize }

// Start spawns the coprocess. Calling Start on a running session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

// startLocked spawns the coprocess. Caller holds s.mu.
func (s *Session) startLocked() error {
	if s.started {
		return nil
	}
	if len(s.cfg.Command) == 0 {
		return errors.New("lipsync: no coprocess command configured")
	}
	argv := append([]string{}, s.cfg.Command...)
	argv = append(argv, strconv.Itoa(s.cfg.SampleRate), strconv.Itoa(s.cfg.BufferMs))
	if s.cfg.ArrayMode {
		argv = append(argv, "--print-as-array")
	}
	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("lipsync: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("lipsync: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("lipsync: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lipsync: start %q: %w", argv[0], err)
	}
	slog.Info("lipsync coprocess started",
		"command", argv[0],
		"sample_rate", s.cfg.SampleRate,
		"buffer_ms", s.cfg.BufferMs,
		"array_mode", s.cfg.ArrayMode,
	)

	go drainStderr(argv[0], stderr)

	lines := make(chan lineResult)
	done := make(chan struct{})
	go readLines(bufio.NewReader(stdout), lines, done)

	s.cmd = cmd
	s.stdin = stdin
	s.lines = lines
	s.readerDone = done
	s.stale = 0
	s.started = true
	return nil
}

// readLines is the single stdout reader for one coprocess incarnation.
// Exactly one goroutine ever reads the pipe, so a cancelled exchange cannot
// race a later one; a late response waits in lines until it is consumed or
// discarded as stale.
func readLines(r *bufio.Reader, lines chan<- lineResult, done <-chan struct{}) {
	for {
		line, err := r.ReadString('\n')
		select {
		case lines <- lineResult{line, err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// drainStderr forwards coprocess diagnostics to the log so the frame path
// never blocks on a full stderr pipe.
func drainStderr(command string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		slog.Debug("lipsync coprocess stderr", "command", command, "line", sc.Text())
	}
}

// Close terminates the coprocess and waits for it to exit. Safe to call on a
// stopped session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// closeLocked stops the coprocess. Caller holds s.mu.
func (s *Session) closeLocked() error {
	if !s.started {
		return nil
	}
	s.started = false
	s.stdin.Close()
	close(s.readerDone)
	err := s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	s.lines = nil
	s.readerDone = nil
	if err != nil {
		return fmt.Errorf("lipsync: coprocess exit: %w", err)
	}
	return nil
}

// killLocked force-terminates a wedged coprocess. Caller holds s.mu.
func (s *Session) killLocked() {
	if !s.started {
		return
	}
	s.started = false
	s.stdin.Close()
	close(s.readerDone)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	s.lines = nil
	s.readerDone = nil
}

// ProcessFrame writes exactly one frame of bufferSize bytes to the coprocess
// and returns its one-line response with surrounding whitespace trimmed.
//
// On a frame timeout or coprocess crash the process is killed, relaunched,
// and the same frame retried, up to MaxRestarts cycles; after that the fault
// surfaces as [ErrCoprocessFailed]. If ctx is cancelled while awaiting a
// response, ProcessFrame returns an empty response ("no event") without
// restarting the coprocess; the abandoned frame's late response is discarded
// before the next frame's response is matched.
func (s *Session) ProcessFrame(ctx context.Context, frame []byte) (string, error) {
	if len(frame) != s.bufferSize {
		return "", fmt.Errorf("lipsync: frame must be exactly %d bytes, got %d", s.bufferSize, len(frame))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var restarts int
	for {
		if err := s.startLocked(); err != nil {
			return "", err
		}

		line, err, cancelled := s.exchangeLocked(ctx, frame)
		if cancelled {
			return "", nil
		}
		if err == nil {
			return line, nil
		}

		restarts++
		if restarts > s.cfg.MaxRestarts {
			return "", fmt.Errorf("%w after %d restarts: %v", ErrCoprocessFailed, s.cfg.MaxRestarts, err)
		}
		s.restarts.Add(1)
		slog.Warn("lipsync frame exchange failed, restarting coprocess",
			"err", err,
			"restart", restarts,
			"max_restarts", s.cfg.MaxRestarts,
		)
		s.killLocked()
	}
}

// exchangeLocked performs one write/read cycle. Caller holds s.mu.
// cancelled reports that ctx expired while awaiting the response; the
// coprocess stays running and the stale counter marks its late response for
// discard.
func (s *Session) exchangeLocked(ctx context.Context, frame []byte) (line string, err error, cancelled bool) {
	if _, err := s.stdin.Write(frame); err != nil {
		return "", fmt.Errorf("write frame: %w", err), false
	}

	timer := time.NewTimer(s.cfg.FrameTimeout)
	defer timer.Stop()

	for {
		select {
		case res := <-s.lines:
			if res.err != nil {
				return "", fmt.Errorf("read response: %w", res.err), false
			}
			if s.stale > 0 {
				// Response owed to an earlier cancelled exchange.
				s.stale--
				continue
			}
			return strings.TrimSpace(res.line), nil, false
		case <-timer.C:
			return "", errors.New("frame response timeout"), false
		case <-ctx.Done():
			s.stale++
			return "", nil, true
		}
	}
}
