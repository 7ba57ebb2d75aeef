// Package openai provides a synthesizer backed by the OpenAI speech endpoint.
// It implements the synth.Synthesizer interface.
//
// The endpoint has no chunked decode path, so synthesis is always buffered:
// the full utterance is fetched as 24kHz PCM, resampled to the configured
// rate and split into a finite chunk sequence. No viseme timeline is
// produced.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = oai.AudioSpeechNewParamsVoiceAlloy

// sourceRate is the sample rate of the endpoint's raw PCM response format.
const sourceRate = 24000

const providerName = "openai"

// Option is a functional option for Provider.
type Option func(*config)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   oai.SpeechModel
	voice   oai.AudioSpeechNewParamsVoice
	speed   float64
	retry   synth.RetryPolicy
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model (e.g., "tts-1-hd").
func WithModel(model oai.SpeechModel) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithVoice sets the voice (e.g., "nova").
func WithVoice(voice oai.AudioSpeechNewParamsVoice) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithSpeed sets the speaking speed (0.25-4.0, 1.0 = default).
func WithSpeed(speed float64) Option {
	return func(c *config) {
		c.speed = speed
	}
}

// WithRetryPolicy overrides the default bounded retry policy.
func WithRetryPolicy(policy synth.RetryPolicy) Option {
	return func(c *config) {
		c.retry = policy
	}
}

// Provider implements synth.Synthesizer using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	cfg    synth.Config
	model  oai.SpeechModel
	voice  oai.AudioSpeechNewParamsVoice
	speed  float64
	retry  synth.RetryPolicy
	tracer trace.Tracer
}

// New constructs an OpenAI speech Provider. apiKey must be non-empty.
func New(apiKey string, cfg synth.Config, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg = cfg.WithDefaults()
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("openai: sample rate must be positive, got %d", cfg.SampleRate)
	}

	c := &config{model: DefaultModel, voice: DefaultVoice}
	for _, o := range opts {
		o(c)
	}

	// The client's built-in retries are disabled so the synth retry policy
	// owns attempt counting and backoff.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.baseURL))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		cfg:    cfg,
		model:  c.model,
		voice:  c.voice,
		speed:  c.speed,
		retry:  c.retry,
		tracer: otel.Tracer("github.com/fictive-reality/voxstream/pkg/synth/openai"),
	}, nil
}

// Config returns the synthesis parameters.
func (p *Provider) Config() synth.Config { return p.cfg }

// Close is a no-op; the underlying client holds no long-lived resources.
func (p *Provider) Close() error { return nil }

// CreateSpeech implements synth.Synthesizer.
func (p *Provider) CreateSpeech(ctx context.Context, utterance synth.Utterance, chunkSize int) (*synth.SynthesisResult, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("openai: chunk size must be positive, got %d", chunkSize)
	}

	params := oai.AudioSpeechNewParams{
		Input:          utterance.Text,
		Model:          p.model,
		Voice:          p.voice,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed > 0 {
		params.Speed = param.NewOpt(p.speed)
	}

	ctx, span := p.tracer.Start(ctx, "synthesizer."+providerName+".create_total")
	defer span.End()

	var pcm []byte
	attempts, err := p.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := p.client.Audio.Speech.New(ctx, params)
		if err != nil {
			return classify(err)
		}
		defer resp.Body.Close()
		pcm, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("openai: read response: %w", err)
		}
		return nil
	})
	if err != nil {
		var pe *synth.ProviderError
		if errors.As(err, &pe) {
			pe.Text = utterance.Text
			pe.Attempts = attempts
			return nil, pe
		}
		return nil, &synth.ProviderError{Provider: providerName, Text: utterance.Text, Attempts: attempts, Err: err}
	}

	if p.cfg.SampleRate != sourceRate {
		pcm = audio.ResampleMono16(pcm, sourceRate, p.cfg.SampleRate)
	}
	if p.cfg.Encoding != audio.EncodingLinear16 {
		pcm, err = audio.ConvertLinearAudio(pcm, p.cfg.SampleRate, p.cfg.SampleRate, p.cfg.Encoding)
		if err != nil {
			return nil, err
		}
	}
	return synth.ResultFromPCM(pcm, p.cfg, utterance.Text, chunkSize)
}

// classify maps OpenAI API errors onto ProviderError so the shared retry
// predicate can recognize rate limiting.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &synth.ProviderError{Provider: providerName, Status: apiErr.StatusCode, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("openai: request: %w", err)
}

// Ensure Provider implements synth.Synthesizer at compile time.
var _ synth.Synthesizer = (*Provider)(nil)
