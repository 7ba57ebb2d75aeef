package lipsync

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fictive-reality/voxstream/pkg/audio"
)

// DetectLipsync walks pcm in coprocess-sized frames and returns the viseme
// events it detects. A leading RIFF/WAVE header is stripped so container
// bytes do not throw the frame count off; an undersized trailing remainder is
// dropped. startOffset seeds the timeline, letting callers process one
// utterance across multiple chunks.
//
// In event mode an event is emitted whenever the decoded label differs from
// the previous frame's. In array mode per-frame activation vectors are
// collected and reduced by [analyzeActivations] after the walk.
//
// Cancellation stops the walk and returns the events accumulated so far with
// ctx's error.
func (s *Session) DetectLipsync(ctx context.Context, pcm []byte, startOffset float64) ([]VisemeEvent, error) {
	data := audio.StripWAVHeader(pcm)

	var (
		events     []VisemeEvent
		lastToken  string
		activation [][]float64
	)
	offset := startOffset

	for off := 0; off+s.bufferSize <= len(data); off += s.bufferSize {
		if err := ctx.Err(); err != nil {
			return s.finishDetect(events, activation), err
		}
		token, err := s.ProcessFrame(ctx, data[off:off+s.bufferSize])
		if err != nil {
			return s.finishDetect(events, activation), err
		}

		if s.cfg.ArrayMode {
			vec, err := parseActivations(token)
			if err != nil {
				return s.finishDetect(events, activation), err
			}
			activation = append(activation, vec)
		} else {
			if token != "" && token != lastToken {
				events = append(events, VisemeEvent{
					AudioOffset: offset,
					VisemeID:    visemeIDForToken(token),
				})
			}
			lastToken = token
		}
		offset = round2(offset + float64(s.cfg.BufferMs)/1000)
	}

	return s.finishDetect(events, activation), nil
}

// finishDetect resolves the mode-dependent result.
func (s *Session) finishDetect(events []VisemeEvent, activation [][]float64) []VisemeEvent {
	if s.cfg.ArrayMode {
		return analyzeActivations(activation, s.cfg.SmoothWindow, s.cfg.BufferMs)
	}
	return events
}

// parseActivations decodes one array-mode response line: per-channel float
// scores separated by semicolons, in [VisemeIDs] channel order.
func parseActivations(line string) ([]float64, error) {
	parts := strings.Split(line, ";")
	vec := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("lipsync: parse activation %q: %w", p, err)
		}
		vec = append(vec, f)
	}
	return vec, nil
}

// analyzeActivations smooths each viseme channel with a moving average of
// windowSize frames ("valid" mode: the output is shorter by windowSize-1),
// picks the dominant channel per smoothed frame, and emits an event whenever
// the dominant channel changes. Offsets are frameIndex*bufferMs/1000.
func analyzeActivations(frames [][]float64, windowSize, bufferMs int) []VisemeEvent {
	smoothedLen := len(frames) - windowSize + 1
	if smoothedLen <= 0 {
		return nil
	}

	var events []VisemeEvent
	last := -1
	for i := range smoothedLen {
		dominant := 0
		best := math.Inf(-1)
		for ch := range VisemeIDs {
			var sum float64
			for w := range windowSize {
				frame := frames[i+w]
				if ch < len(frame) {
					sum += frame[ch]
				}
			}
			if avg := sum / float64(windowSize); avg > best {
				best = avg
				dominant = ch
			}
		}
		if dominant != last {
			events = append(events, VisemeEvent{
				AudioOffset: float64(i) * float64(bufferMs) / 1000,
				VisemeID:    VisemeIDs[dominant],
			})
			last = dominant
		}
	}
	return events
}

// round2 rounds to two decimal places, keeping frame offsets stable over
// long utterances.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
