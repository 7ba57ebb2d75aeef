// Package elevenlabs provides an ElevenLabs-backed synthesizer over the
// text-to-speech HTTP API. It implements the synth.Synthesizer interface.
//
// In streaming mode the MP3 response body is pumped into a decode worker
// while chunks are consumed, and each decoded chunk is optionally fed to a
// lipsync session so viseme events become queryable while audio is still
// arriving. In non-streaming mode the full response is decoded up front into
// a finite chunk sequence.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/decode"
	"github.com/fictive-reality/voxstream/pkg/lipsync"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"

	// DefaultVoiceID is the voice used when none is configured.
	DefaultVoiceID = "pNInz6obpgDQGcFmaJgB"

	// requestTimeout bounds one provider request end to end, independent of
	// retry backoff.
	requestTimeout = 9 * time.Second

	providerName = "eleven_labs"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithVoice sets the ElevenLabs voice ID.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// WithModel sets the ElevenLabs model ID (e.g., "eleven_monolingual_v1").
func WithModel(modelID string) Option {
	return func(p *Provider) {
		p.modelID = modelID
	}
}

// WithVoiceSettings sets the stability and similarity-boost voice settings.
// When unset, the request carries no voice settings and the voice defaults
// apply server-side.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(p *Provider) {
		p.settings = &voiceSettings{Stability: stability, SimilarityBoost: similarityBoost}
	}
}

// WithOptimizeStreamingLatency sets the optimize_streaming_latency query
// parameter (1-4; higher trades quality for latency).
func WithOptimizeStreamingLatency(level int) Option {
	return func(p *Provider) {
		p.optimizeLatency = level
	}
}

// WithLipsync attaches a lipsync session. Every decoded chunk is analyzed and
// the resulting viseme timeline is served by SynthesisResult.LipsyncWindow.
// The session is started lazily on the first frame; the provider does not own
// it and never closes it.
func WithLipsync(session *lipsync.Session) Option {
	return func(p *Provider) {
		p.lipsync = session
	}
}

// WithRetryPolicy overrides the default bounded retry policy.
func WithRetryPolicy(policy synth.RetryPolicy) Option {
	return func(p *Provider) {
		p.retry = policy
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithHTTPClient overrides the HTTP client. The caller is responsible for
// setting a timeout on it.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// Provider implements synth.Synthesizer backed by the ElevenLabs API.
type Provider struct {
	cfg             synth.Config
	apiKey          string
	baseURL         string
	voiceID         string
	modelID         string
	settings        *voiceSettings
	optimizeLatency int
	retry           synth.RetryPolicy
	lipsync         *lipsync.Session
	httpClient      *http.Client
	tracer          trace.Tracer

	// newDecoder builds the per-utterance audio decoder. Swapped in tests.
	newDecoder func() decode.Decoder
}

// New creates an ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, cfg synth.Config, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	cfg = cfg.WithDefaults()
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("elevenlabs: sample rate must be positive, got %d", cfg.SampleRate)
	}
	p := &Provider{
		cfg:        cfg,
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		voiceID:    DefaultVoiceID,
		httpClient: &http.Client{Timeout: requestTimeout},
		tracer:     otel.Tracer("github.com/fictive-reality/voxstream/pkg/synth/elevenlabs"),
	}
	p.newDecoder = func() decode.Decoder { return decode.NewMP3(cfg.SampleRate) }
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Config returns the synthesis parameters.
func (p *Provider) Config() synth.Config { return p.cfg }

// Close releases idle connections. The attached lipsync session, if any, is
// owned by the caller and left running.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// speechRequest is the JSON body of a text-to-speech request. VoiceSettings
// is serialized as null when unset, matching the API's expectations.
type speechRequest struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings"`
	ModelID       string         `json:"model_id,omitempty"`
}

// CreateSpeech implements synth.Synthesizer.
func (p *Provider) CreateSpeech(ctx context.Context, utterance synth.Utterance, chunkSize int) (*synth.SynthesisResult, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("elevenlabs: chunk size must be positive, got %d", chunkSize)
	}

	payload, err := json.Marshal(speechRequest{
		Text:          utterance.Text,
		VoiceSettings: p.settings,
		ModelID:       p.modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	url := p.requestURL()

	ctx, span := p.tracer.Start(ctx, "synthesizer."+providerName+".create_total")

	var resp *http.Response
	attempts, err := p.retry.Do(ctx, func(ctx context.Context) error {
		r, err := p.doRequest(ctx, url, payload)
		if err != nil {
			if synth.IsTransient(err) {
				slog.Warn("transient elevenlabs failure, will retry", "err", err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		span.End()
		var pe *synth.ProviderError
		if errors.As(err, &pe) {
			pe.Text = utterance.Text
			pe.Attempts = attempts
			return nil, pe
		}
		return nil, &synth.ProviderError{Provider: providerName, Text: utterance.Text, Attempts: attempts, Err: err}
	}

	if p.cfg.Streaming {
		return p.streamingResult(ctx, resp, utterance, chunkSize, span)
	}
	return p.bufferedResult(ctx, resp, utterance, chunkSize, span)
}

// requestURL builds the text-to-speech endpoint for the configured voice.
func (p *Provider) requestURL() string {
	url := fmt.Sprintf("%s/text-to-speech/%s", p.baseURL, p.voiceID)
	if p.cfg.Streaming {
		url += "/stream"
	}
	if p.optimizeLatency > 0 {
		url += fmt.Sprintf("?optimize_streaming_latency=%d", p.optimizeLatency)
	}
	return url
}

// doRequest performs one POST. On a non-2xx response the body is closed and a
// ProviderError carrying the status is returned; synth.IsTransient decides
// whether the retry policy tries again.
func (p *Provider) doRequest(ctx context.Context, url string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &synth.ProviderError{Provider: providerName, Status: resp.StatusCode}
	}
	return resp, nil
}

// streamingResult wires the response body through a decode worker and returns
// a lazy result. Chunks are yielded as decoded; the lipsync session, when
// attached, analyzes each chunk and advances the audio offset so viseme
// events line up with chunk boundaries.
func (p *Provider) streamingResult(ctx context.Context, resp *http.Response, utterance synth.Utterance, chunkSize int, span trace.Span) (*synth.SynthesisResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	worker := decode.NewWorker(p.newDecoder(), chunkSize)
	worker.Start(streamCtx)

	var (
		mu     sync.Mutex
		events []lipsync.VisemeEvent
	)
	out := make(chan synth.ChunkResult, 8)
	linearRate := audio.EncodingLinear16.BytesPerSecond(p.cfg.SampleRate)

	g, gctx := errgroup.WithContext(streamCtx)

	// The body read is not context-aware; closing it unblocks the pump.
	go func() {
		<-gctx.Done()
		resp.Body.Close()
	}()

	g.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				fragment := make([]byte, n)
				copy(fragment, buf[:n])
				worker.Consume(fragment)
			}
			if err != nil {
				worker.Finish()
				if err == io.EOF {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("elevenlabs: read stream: %w", err)
			}
		}
	})

	g.Go(func() error {
		audioOffset := 0.0
		for {
			chunk, ok, err := worker.Output().Pop(gctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("elevenlabs: decode stream closed before terminal chunk")
			}

			data := chunk.Data
			if p.lipsync != nil && len(data) > 0 {
				detected, err := p.lipsync.DetectLipsync(gctx, data, audioOffset)
				if err != nil {
					return fmt.Errorf("elevenlabs: lipsync: %w", err)
				}
				mu.Lock()
				events = append(events, detected...)
				mu.Unlock()
				audioOffset += float64(len(data)) / float64(linearRate)
			}

			if p.cfg.Encoding != audio.EncodingLinear16 {
				data, err = audio.ConvertLinearAudio(data, p.cfg.SampleRate, p.cfg.SampleRate, p.cfg.Encoding)
				if err != nil {
					return err
				}
			}
			if p.cfg.ShouldEncodeAsWAV {
				data = audio.EncodeWAV(data, p.cfg.SampleRate)
			}

			select {
			case out <- synth.ChunkResult{Chunk: data, IsLast: chunk.Last}:
			case <-gctx.Done():
				return gctx.Err()
			}
			if chunk.Last {
				span.End()
				return nil
			}
		}
	})

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("elevenlabs streaming synthesis aborted", "err", err)
		}
		cancel()
		worker.Terminate()
		resp.Body.Close()
		span.End()
		close(out)
	}()

	cutoff := func(elapsedSeconds float64) string {
		return synth.CutoffFromVoiceSpeed(utterance.Text, elapsedSeconds, p.cfg.WordsPerMinute)
	}
	window := func(fromS, toS float64) []lipsync.VisemeEvent {
		mu.Lock()
		defer mu.Unlock()
		return lipsync.EventsInWindow(events, fromS, toS)
	}
	return synth.NewResult(out, cutoff, window, cancel), nil
}

// bufferedResult reads and decodes the whole response before returning a
// finite result.
func (p *Provider) bufferedResult(ctx context.Context, resp *http.Response, utterance synth.Utterance, chunkSize int, span trace.Span) (*synth.SynthesisResult, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	span.End()
	if err != nil {
		return nil, &synth.ProviderError{Provider: providerName, Text: utterance.Text, Attempts: 1, Err: err}
	}

	_, convertSpan := p.tracer.Start(ctx, "synthesizer."+providerName+".convert")
	defer convertSpan.End()

	dec := p.newDecoder()
	pcm, err := dec.DecodeFragment(data)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("elevenlabs: decode: %w", err)
	}
	rest, err := dec.Flush()
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("elevenlabs: decode: %w", err)
	}
	pcm = append(pcm, rest...)
	if err := dec.Close(); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode: %w", err)
	}

	if p.cfg.Encoding != audio.EncodingLinear16 {
		pcm, err = audio.ConvertLinearAudio(pcm, p.cfg.SampleRate, p.cfg.SampleRate, p.cfg.Encoding)
		if err != nil {
			return nil, err
		}
	}
	return synth.ResultFromPCM(pcm, p.cfg, utterance.Text, chunkSize)
}

// Ensure Provider implements synth.Synthesizer at compile time.
var _ synth.Synthesizer = (*Provider)(nil)
