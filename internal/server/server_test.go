package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/fictive-reality/voxstream/internal/config"
	"github.com/fictive-reality/voxstream/internal/observe"
	"github.com/fictive-reality/voxstream/internal/output"
	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/lipsync"
	"github.com/fictive-reality/voxstream/pkg/synth"
	"github.com/fictive-reality/voxstream/pkg/synth/mock"
)

// testConfig is the session shape shared by the conversation tests:
// 16 kHz linear16, half-second chunks, one spoken word per second.
func testConfig() *config.Config {
	return &config.Config{
		Synthesis: config.SynthesisConfig{
			SampleRate:     16000,
			Encoding:       audio.EncodingLinear16,
			ChunkSeconds:   0.5,
			WordsPerMinute: 60,
		},
		Providers: config.ProvidersConfig{
			Primary: config.ProviderEntry{Name: "mock"},
		},
	}
}

func newTestServer(t *testing.T, synthesizer synth.Synthesizer) *httptest.Server {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	srv := &Server{
		cfg:            testConfig(),
		metrics:        metrics,
		newSynthesizer: func() (synth.Synthesizer, error) { return synthesizer, nil },
		newLipsync:     func() *lipsync.Session { return nil },
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialConversation(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/conversation"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readServerMessage decodes the next frame into a generic map keyed by the
// message type.
func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func startConversation(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": string(output.MessageTypeStart)})
	if msg := readServerMessage(t, conn); msg["type"] != string(output.MessageTypeReady) {
		t.Fatalf("expected ready message, got %v", msg)
	}
}

func TestConversation_SpeaksUtterance(t *testing.T) {
	synthesizer := &mock.Synthesizer{
		Chunks: [][]byte{[]byte("pcm-one"), []byte("pcm-two")},
		Cfg:    synth.Config{WordsPerMinute: 60},
	}
	ts := newTestServer(t, synthesizer)
	conn := dialConversation(t, ts)
	startConversation(t, conn)

	sendJSON(t, conn, map[string]any{"type": string(messageTypeUtterance), "text": "hello there"})

	for _, want := range []string{"pcm-one", "pcm-two"} {
		msg := readServerMessage(t, conn)
		if msg["type"] != string(output.MessageTypeAudio) {
			t.Fatalf("expected audio message, got %v", msg)
		}
		data, err := base64.StdEncoding.DecodeString(msg["data"].(string))
		if err != nil || string(data) != want {
			t.Fatalf("audio data = %q (err %v), want %q", data, err, want)
		}
	}

	msg := readServerMessage(t, conn)
	if msg["type"] != string(output.MessageTypeTranscript) {
		t.Fatalf("expected transcript, got %v", msg)
	}
	if msg["text"] != "hello there" || msg["sender"] != "bot" {
		t.Fatalf("unexpected transcript: %v", msg)
	}

	if len(synthesizer.CreateSpeechCalls) != 1 {
		t.Fatalf("CreateSpeech called %d times, want 1", len(synthesizer.CreateSpeechCalls))
	}
	if got := synthesizer.CreateSpeechCalls[0].Utterance.Text; got != "hello there" {
		t.Errorf("utterance text = %q", got)
	}
	// chunk size: 0.5 s of linear16 at 16 kHz.
	if got := synthesizer.CreateSpeechCalls[0].ChunkSize; got != 16000 {
		t.Errorf("chunk size = %d, want 16000", got)
	}
}

func TestConversation_StopClosesSession(t *testing.T) {
	synthesizer := &mock.Synthesizer{}
	ts := newTestServer(t, synthesizer)
	conn := dialConversation(t, ts)
	startConversation(t, conn)

	sendJSON(t, conn, map[string]any{"type": string(output.MessageTypeStop)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
	if synthesizer.CloseCalls != 1 {
		t.Errorf("synthesizer closed %d times, want 1", synthesizer.CloseCalls)
	}
}

func TestConversation_RequiresStartFirst(t *testing.T) {
	ts := newTestServer(t, &mock.Synthesizer{})
	conn := dialConversation(t, ts)

	sendJSON(t, conn, map[string]any{"type": string(messageTypeUtterance), "text": "too soon"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

// trickleSynth emits a fixed set of chunks and then keeps the stream open
// until stopped, so tests can interrupt mid-utterance.
type trickleSynth struct {
	mu    sync.Mutex
	calls int
}

func (s *trickleSynth) CreateSpeech(_ context.Context, utterance synth.Utterance, _ int) (*synth.SynthesisResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	cutoff := func(elapsed float64) string {
		return synth.CutoffFromVoiceSpeed(utterance.Text, elapsed, 60)
	}
	if call > 1 {
		// Later utterances complete immediately.
		ch := make(chan synth.ChunkResult, 1)
		ch <- synth.ChunkResult{Chunk: []byte("follow-up"), IsLast: true}
		close(ch)
		return synth.NewResult(ch, cutoff, nil, nil), nil
	}

	// Two half-second chunks (16000 bytes each at 16 kHz linear16), then the
	// stream stays open until Stop closes it.
	ch := make(chan synth.ChunkResult, 2)
	ch <- synth.ChunkResult{Chunk: make([]byte, 16000)}
	ch <- synth.ChunkResult{Chunk: make([]byte, 16000)}
	return synth.NewResult(ch, cutoff, nil, func() { close(ch) }), nil
}

func (s *trickleSynth) Config() synth.Config { return synth.Config{} }
func (s *trickleSynth) Close() error         { return nil }

func TestConversation_BargeInCutsTranscript(t *testing.T) {
	synthesizer := &trickleSynth{}
	ts := newTestServer(t, synthesizer)
	conn := dialConversation(t, ts)
	startConversation(t, conn)

	sendJSON(t, conn, map[string]any{"type": string(messageTypeUtterance), "text": "one two three four"})

	// Both buffered chunks arrive; one second of audio has now been played.
	for range 2 {
		if msg := readServerMessage(t, conn); msg["type"] != string(output.MessageTypeAudio) {
			t.Fatalf("expected audio message, got %v", msg)
		}
	}

	// Barge-in with a new utterance.
	sendJSON(t, conn, map[string]any{"type": string(messageTypeUtterance), "text": "actually stop"})

	// The interrupted utterance's transcript carries only the words already
	// heard: 1 s at 60 wpm is one word.
	msg := readServerMessage(t, conn)
	if msg["type"] != string(output.MessageTypeTranscript) {
		t.Fatalf("expected transcript, got %v", msg)
	}
	if msg["text"] != "one" {
		t.Fatalf("cutoff transcript = %q, want %q", msg["text"], "one")
	}

	// The new utterance plays out in full.
	msg = readServerMessage(t, conn)
	if msg["type"] != string(output.MessageTypeAudio) {
		t.Fatalf("expected audio message, got %v", msg)
	}
	data, _ := base64.StdEncoding.DecodeString(msg["data"].(string))
	if string(data) != "follow-up" {
		t.Fatalf("audio data = %q", data)
	}
	msg = readServerMessage(t, conn)
	if msg["type"] != string(output.MessageTypeTranscript) || msg["text"] != "actually stop" {
		t.Fatalf("expected full transcript for second utterance, got %v", msg)
	}
}

func TestConversation_SynthesisFailureKeepsSessionAlive(t *testing.T) {
	synthesizer := &mock.Synthesizer{
		CreateErr: &synth.ProviderError{Provider: "eleven_labs", Status: 500, Attempts: 1},
	}
	ts := newTestServer(t, synthesizer)
	conn := dialConversation(t, ts)
	startConversation(t, conn)

	sendJSON(t, conn, map[string]any{"type": string(messageTypeUtterance), "text": "doomed"})
	// The failed utterance produces no frames; the session still honours stop.
	sendJSON(t, conn, map[string]any{"type": string(output.MessageTypeStop)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestChunkSize(t *testing.T) {
	linear := synth.Config{SampleRate: 16000, Encoding: audio.EncodingLinear16}
	if got := chunkSize(linear, 1.0); got != 32000 {
		t.Errorf("linear16 1.0s = %d, want 32000", got)
	}
	if got := chunkSize(linear, 0); got != 32000 {
		t.Errorf("default chunk seconds = %d, want 32000", got)
	}
	mulaw := synth.Config{SampleRate: 8000, Encoding: audio.EncodingMuLaw}
	if got := chunkSize(mulaw, 0.5); got != 4000 {
		t.Errorf("mulaw 0.5s = %d, want 4000", got)
	}
}

func TestBuildSynthesizer_FallbackAndCache(t *testing.T) {
	reg := config.NewRegistry()
	reg.Register("mock", func(config.ProviderEntry, synth.Config) (synth.Synthesizer, error) {
		return &mock.Synthesizer{}, nil
	})

	cfg := testConfig()
	cfg.Providers.Fallback = &config.ProviderEntry{Name: "mock"}
	cfg.Synthesis.CacheDir = t.TempDir()

	s, err := buildSynthesizer(cfg, reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*synth.Caching); !ok {
		t.Errorf("expected caching wrapper, got %T", s)
	}
}

// TestHelperViseme is not a real test: it is re-executed as the fake viseme
// coprocess, answering one label per fixed-size PCM frame.
func TestHelperViseme(t *testing.T) {
	if os.Getenv("VISEME_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	sep := slices.Index(os.Args, "--")
	if sep < 0 || sep+2 >= len(os.Args) {
		return
	}
	rate, _ := strconv.Atoi(os.Args[sep+1])
	bufferMs, _ := strconv.Atoi(os.Args[sep+2])
	frame := make([]byte, 2*rate*bufferMs/1000)
	labels := []string{"sil", "PP"}
	for i := 0; ; i++ {
		if _, err := io.ReadFull(os.Stdin, frame); err != nil {
			return
		}
		fmt.Println(labels[i%len(labels)])
	}
}

func TestVisemeEvents_OffsetsAreChunkRelative(t *testing.T) {
	t.Setenv("VISEME_HELPER", "1")
	ls := lipsync.NewSession(lipsync.Config{
		Command:    []string{os.Args[0], "-test.run=^TestHelperViseme$", "--"},
		SampleRate: 1000,
	})
	defer ls.Close()

	sess := &session{
		cfg:     synth.Config{SampleRate: 1000}.WithDefaults(),
		lipsync: ls,
	}

	// A chunk starting 2.5 s into the utterance: event offsets still count
	// from the chunk start, like the fallback window's rebased offsets.
	chunk := make([]byte, 2*ls.BufferSize())
	events := sess.visemeEvents(context.Background(), nil, chunk, 2.5, 0.02)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].AudioOffset != 0 || events[1].AudioOffset != 0.01 {
		t.Fatalf("offsets not chunk-relative: %+v", events)
	}
}

func TestBuildSynthesizer_UnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.Primary.Name = "nope"
	if _, err := buildSynthesizer(cfg, config.NewRegistry()); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}
