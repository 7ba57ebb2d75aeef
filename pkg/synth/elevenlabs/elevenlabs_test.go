package elevenlabs

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/decode"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

// newTestProvider builds a provider against url with a passthrough decoder,
// so test servers can serve raw PCM instead of MP3.
func newTestProvider(t *testing.T, url string, cfg synth.Config, opts ...Option) *Provider {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(url),
		WithRetryPolicy(synth.RetryPolicy{BaseDelay: 2 * time.Millisecond}),
	}, opts...)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	p, err := New("test-key", cfg, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.newDecoder = decode.NewPCMPassthrough
	return p
}

func drain(t *testing.T, result *synth.SynthesisResult) []synth.ChunkResult {
	t.Helper()
	var chunks []synth.ChunkResult
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-result.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatalf("timed out after %d chunks", len(chunks))
		}
	}
}

func flatten(chunks []synth.ChunkResult) []byte {
	var all []byte
	for _, chunk := range chunks {
		all = append(all, chunk.Chunk...)
	}
	return all
}

func TestCreateSpeech_RetriesRateLimitThenSucceeds(t *testing.T) {
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 64)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{})
	result, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "hello"}, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}
	if !bytes.Equal(flatten(drain(t, result)), payload) {
		t.Error("audio differs from server payload")
	}
}

func TestCreateSpeech_FatalStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{})
	_, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "doomed"}, 64)

	var pe *synth.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Status != http.StatusInternalServerError || pe.Attempts != 1 || pe.Text != "doomed" {
		t.Errorf("unexpected error fields: %+v", pe)
	}
	if calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", calls.Load())
	}
}

func TestCreateSpeech_RateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{})
	_, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "busy"}, 64)

	var pe *synth.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Status != http.StatusTooManyRequests || pe.Attempts != 3 || pe.Text != "busy" {
		t.Errorf("unexpected error fields: %+v", pe)
	}
}

func TestCreateSpeech_Streaming(t *testing.T) {
	payload := bytes.Repeat([]byte{9}, 20)
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Write(payload)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{Streaming: true})
	result, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "streamed"}, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := drain(t, result)
	if !bytes.Equal(flatten(chunks), payload) {
		t.Error("audio differs from server payload")
	}
	lasts := 0
	for _, chunk := range chunks {
		if chunk.IsLast {
			lasts++
		}
	}
	if lasts != 1 || !chunks[len(chunks)-1].IsLast {
		t.Errorf("expected exactly one terminal chunk at the end, chunks: %+v", chunks)
	}
	if got := path.Load(); got != "/text-to-speech/"+DefaultVoiceID+"/stream" {
		t.Errorf("request path %v, want streaming endpoint", got)
	}
}

func TestCreateSpeech_StreamingStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{7}, 8))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{Streaming: true})
	result, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "interrupted"}, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-result.Chunks():
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk arrived")
	}
	result.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-result.Chunks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("chunk channel not closed after Stop")
		}
	}
}

func TestCreateSpeech_WAVChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{5}, 100))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{ShouldEncodeAsWAV: true})
	result, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "wrapped"}, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, chunk := range drain(t, result) {
		if !audio.IsWAV(chunk.Chunk) {
			t.Errorf("chunk %d is not WAV-wrapped", i)
		}
	}
}

func TestCreateSpeech_CutoffPredictor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, synth.Config{WordsPerMinute: 120})
	result, err := p.CreateSpeech(t.Context(), synth.Utterance{Text: "alpha beta gamma delta"}, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.CutoffText(1.0); got != "alpha beta" {
		t.Errorf("CutoffText(1.0) = %q, want %q", got, "alpha beta")
	}
}

func TestRequestURL(t *testing.T) {
	p, err := New("k", synth.Config{SampleRate: 16000, Streaming: true},
		WithVoice("v123"),
		WithOptimizeStreamingLatency(3),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := defaultBaseURL + "/text-to-speech/v123/stream?optimize_streaming_latency=3"
	if got := p.requestURL(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", synth.Config{SampleRate: 16000}); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
