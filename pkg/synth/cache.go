package synth

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fictive-reality/voxstream/pkg/audio"
)

var (
	cacheWhitespace = regexp.MustCompile(`\s+`)
	cacheNonWord    = regexp.MustCompile(`\W+`)
)

// Caching wraps a [Synthesizer] with a disk cache of finished utterances.
// A completed utterance is written as a WAV file keyed by voice and
// normalized text; later requests for the same text replay the file without
// touching the provider. Partial utterances (stopped or failed mid-stream)
// are never cached.
type Caching struct {
	inner Synthesizer
	dir   string
	voice string
}

// NewCaching creates the cache directory for voice under dir and returns the
// caching wrapper. voice keys the cache so distinct voices never share audio.
func NewCaching(inner Synthesizer, dir, voice string) (*Caching, error) {
	if voice == "" {
		return nil, fmt.Errorf("synth: cache voice key must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, voice), 0o755); err != nil {
		return nil, fmt.Errorf("synth: create cache dir: %w", err)
	}
	return &Caching{inner: inner, dir: dir, voice: voice}, nil
}

// Config returns the inner synthesizer's configuration.
func (c *Caching) Config() Config { return c.inner.Config() }

// Close closes the inner synthesizer.
func (c *Caching) Close() error { return c.inner.Close() }

// CreateSpeech serves the utterance from the cache when present, otherwise
// delegates to the inner synthesizer and records the full audio once the
// terminal chunk has been consumed.
func (c *Caching) CreateSpeech(ctx context.Context, utterance Utterance, chunkSize int) (*SynthesisResult, error) {
	path := c.cachePath(utterance.Text)
	if data, err := os.ReadFile(path); err == nil {
		if _, pcm, err := audio.ParseWAV(data); err == nil {
			slog.Debug("serving synthesis from cache", "path", path)
			return ResultFromPCM(pcm, c.inner.Config(), utterance.Text, chunkSize)
		}
		slog.Warn("discarding unreadable cache entry", "path", path)
		os.Remove(path)
	}

	result, err := c.inner.CreateSpeech(ctx, utterance, chunkSize)
	if err != nil {
		return nil, err
	}
	return c.recording(result, path), nil
}

// recording forwards inner's chunks unchanged while accumulating the raw
// audio, and writes the cache file when the terminal chunk passes through.
func (c *Caching) recording(inner *SynthesisResult, path string) *SynthesisResult {
	cfg := c.inner.Config().WithDefaults()
	out := make(chan ChunkResult)
	done := make(chan struct{})

	go func() {
		defer close(out)
		var all []byte
		for chunk := range inner.Chunks() {
			data := chunk.Chunk
			if cfg.ShouldEncodeAsWAV {
				data = audio.StripWAVHeader(data)
			}
			all = append(all, data...)

			select {
			case out <- chunk:
			case <-done:
				return
			}
			if chunk.IsLast {
				c.store(path, all, cfg.SampleRate)
				return
			}
		}
	}()

	stop := func() {
		close(done)
		inner.Stop()
	}
	return NewResult(out, inner.CutoffText, inner.LipsyncWindow, stop)
}

// store writes one finished utterance. A write failure only costs the cache
// entry, so it is logged and swallowed.
func (c *Caching) store(path string, pcm []byte, sampleRate int) {
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, sampleRate), 0o644); err != nil {
		slog.Warn("failed to write synthesis cache entry", "path", path, "err", err)
	}
}

// cachePath derives the cache file for text: lowercased, whitespace collapsed
// to underscores, remaining non-word runs to dashes, truncated, and suffixed
// with a short hash of the full normalized text and voice so truncation
// cannot collide.
func (c *Caching) cachePath(text string) string {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	cleaned = cacheWhitespace.ReplaceAllString(cleaned, "_")
	cleaned = cacheNonWord.ReplaceAllString(cleaned, "-")

	hash := fmt.Sprintf("%x", md5.Sum([]byte(cleaned+c.voice)))[:8]
	if len(cleaned) > 32 {
		cleaned = cleaned[:32]
	}
	return filepath.Join(c.dir, c.voice, fmt.Sprintf("synth_%s_%s.wav", cleaned, hash))
}

var _ Synthesizer = (*Caching)(nil)
