package lipsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fictive-reality/voxstream/pkg/audio"
)

// helperCommand returns an argv prefix that re-executes the test binary as a
// fake lipsync coprocess (see TestHelperCoprocess).
func helperCommand(t *testing.T) []string {
	t.Helper()
	t.Setenv("LIPSYNC_HELPER", "1")
	return []string{os.Args[0], "-test.run=^TestHelperCoprocess$", "--"}
}

// TestHelperCoprocess is not a real test: it is the body of the fake
// coprocess spawned by the tests below. It reads fixed-size PCM frames from
// stdin and answers one line per frame.
func TestHelperCoprocess(t *testing.T) {
	if os.Getenv("LIPSYNC_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	sep := slices.Index(os.Args, "--")
	if sep < 0 || sep+2 >= len(os.Args) {
		fmt.Fprintln(os.Stderr, "helper: missing positional args")
		return
	}
	pos := os.Args[sep+1:]
	rate, _ := strconv.Atoi(pos[0])
	bufferMs, _ := strconv.Atoi(pos[1])
	arrayMode := slices.Contains(pos, "--print-as-array")
	frame := make([]byte, 2*rate*bufferMs/1000)

	// First-run fault injection: create the flag file, swallow one frame and
	// stall past any reasonable frame timeout.
	if ff := os.Getenv("LIPSYNC_FLAGFILE"); ff != "" {
		if _, err := os.Stat(ff); os.IsNotExist(err) {
			os.WriteFile(ff, []byte("faulted"), 0o644)
			io.ReadFull(os.Stdin, frame)
			time.Sleep(10 * time.Second)
			return
		}
	}
	if os.Getenv("LIPSYNC_ALWAYS_HANG") == "1" {
		io.ReadFull(os.Stdin, frame)
		time.Sleep(10 * time.Second)
		return
	}

	labels := strings.Split(os.Getenv("LIPSYNC_LABELS"), ",")
	arrays := strings.Split(os.Getenv("LIPSYNC_ARRAYS"), "|")
	slowFirstMs, _ := strconv.Atoi(os.Getenv("LIPSYNC_SLOW_FIRST_MS"))
	for i := 0; ; i++ {
		if _, err := io.ReadFull(os.Stdin, frame); err != nil {
			return
		}
		if i == 0 && slowFirstMs > 0 {
			time.Sleep(time.Duration(slowFirstMs) * time.Millisecond)
		}
		if arrayMode {
			fmt.Println(arrays[i%len(arrays)])
		} else {
			fmt.Println(labels[i%len(labels)])
		}
	}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	cfg.Command = helperCommand(t)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1000 // 20-byte frames at 10ms keep fixtures small
	}
	s := NewSession(cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessFrame_RoundTrip(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "PP")
	s := newTestSession(t, Config{})

	got, err := s.ProcessFrame(context.Background(), make([]byte, s.BufferSize()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "PP" {
		t.Fatalf("got %q, want %q", got, "PP")
	}
}

func TestProcessFrame_WrongFrameSize(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "sil")
	s := newTestSession(t, Config{})
	if _, err := s.ProcessFrame(context.Background(), make([]byte, 3)); err == nil {
		t.Fatal("expected error for undersized frame")
	}
}

func TestProcessFrame_RestartsOnceAndRecovers(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "aa")
	t.Setenv("LIPSYNC_FLAGFILE", filepath.Join(t.TempDir(), "faulted"))
	s := newTestSession(t, Config{FrameTimeout: 300 * time.Millisecond})

	// The first coprocess misses its deadline; the session must kill it,
	// relaunch, retry the same frame and succeed without surfacing an error.
	got, err := s.ProcessFrame(context.Background(), make([]byte, s.BufferSize()))
	if err != nil {
		t.Fatalf("unexpected error after restart: %v", err)
	}
	if got != "aa" {
		t.Fatalf("got %q, want %q", got, "aa")
	}
}

func TestProcessFrame_RepeatedFaultIsFatal(t *testing.T) {
	t.Setenv("LIPSYNC_ALWAYS_HANG", "1")
	s := newTestSession(t, Config{FrameTimeout: 150 * time.Millisecond, MaxRestarts: 2})

	_, err := s.ProcessFrame(context.Background(), make([]byte, s.BufferSize()))
	if !errors.Is(err, ErrCoprocessFailed) {
		t.Fatalf("expected ErrCoprocessFailed, got %v", err)
	}
}

func TestProcessFrame_CancelledReturnsNoEvent(t *testing.T) {
	t.Setenv("LIPSYNC_ALWAYS_HANG", "1")
	s := newTestSession(t, Config{FrameTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err := s.ProcessFrame(ctx, make([]byte, s.BufferSize()))
	if err != nil {
		t.Fatalf("cancellation must not surface an error, got %v", err)
	}
	if got != "" {
		t.Fatalf("expected no event, got %q", got)
	}
}

func TestProcessFrame_CancelledThenReuse(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "sil,PP")
	t.Setenv("LIPSYNC_SLOW_FIRST_MS", "400")
	s := newTestSession(t, Config{FrameTimeout: 10 * time.Second})

	// The first frame's response arrives only after the context expired.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err := s.ProcessFrame(ctx, make([]byte, s.BufferSize()))
	if err != nil || got != "" {
		t.Fatalf("cancelled frame: got %q, %v", got, err)
	}

	// The session is reused without a restart. The next frame must receive
	// its own response, not the late one owed to the cancelled frame.
	got, err = s.ProcessFrame(context.Background(), make([]byte, s.BufferSize()))
	if err != nil {
		t.Fatalf("unexpected error on reuse: %v", err)
	}
	if got != "PP" {
		t.Fatalf("got %q, want %q (stale response not discarded)", got, "PP")
	}
	if s.Restarts() != 0 {
		t.Fatalf("cancellation must not restart the coprocess, counted %d", s.Restarts())
	}
}

func TestDetectLipsync_EventMode(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "sil,sil,PP,PP,E")
	s := newTestSession(t, Config{})

	// Five full frames plus an undersized remainder that must be dropped.
	pcm := make([]byte, 5*s.BufferSize()+7)
	events, err := s.DetectLipsync(context.Background(), pcm, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []VisemeEvent{
		{AudioOffset: 0, VisemeID: "ovr_sil"},
		{AudioOffset: 0.02, VisemeID: "ovr_PP"},
		{AudioOffset: 0.04, VisemeID: "ovr_E"},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: got %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestDetectLipsync_StripsWAVHeader(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "kk")
	s := newTestSession(t, Config{})

	pcm := make([]byte, 2*s.BufferSize())
	events, err := s.DetectLipsync(context.Background(), audio.EncodeWAV(pcm, 1000), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two frames of the same label: exactly one event, at offset zero. With
	// the header miscounted as PCM the frame count would be off.
	if len(events) != 1 || events[0].AudioOffset != 0 || events[0].VisemeID != "ovr_kk" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDetectLipsync_StartOffset(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "nn")
	s := newTestSession(t, Config{})

	events, err := s.DetectLipsync(context.Background(), make([]byte, s.BufferSize()), 1.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].AudioOffset != 1.5 {
		t.Fatalf("expected single event at 1.5s, got %+v", events)
	}
}

func TestDetectLipsync_ArrayMode(t *testing.T) {
	silHeavy := activationLine(0, 1)
	ppHeavy := activationLine(1, 3)
	t.Setenv("LIPSYNC_ARRAYS", strings.Join([]string{silHeavy, silHeavy, ppHeavy, ppHeavy}, "|"))
	s := newTestSession(t, Config{ArrayMode: true, SmoothWindow: 3})

	events, err := s.DetectLipsync(context.Background(), make([]byte, 4*s.BufferSize()), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %+v", events)
	}
	if events[0].VisemeID != "ovr_PP" || events[0].AudioOffset != 0 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestSessionReusableAcrossUtterances(t *testing.T) {
	t.Setenv("LIPSYNC_LABELS", "RR")
	s := newTestSession(t, Config{})

	for range 3 {
		events, err := s.DetectLipsync(context.Background(), make([]byte, s.BufferSize()), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %+v", events)
		}
	}
}

// activationLine builds a semicolon-separated 15-channel activation row with
// value at channel.
func activationLine(channel int, value float64) string {
	parts := make([]string, len(VisemeIDs))
	for i := range parts {
		parts[i] = "0"
	}
	parts[channel] = strconv.FormatFloat(value, 'f', -1, 64)
	return strings.Join(parts, ";")
}
