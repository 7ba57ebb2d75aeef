package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/fictive-reality/voxstream/internal/observe"
	"github.com/fictive-reality/voxstream/internal/output"
	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/lipsync"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

// messageTypeUtterance is the client request to speak a piece of text.
const messageTypeUtterance output.MessageType = "websocket_utterance"

// inboundMessage is one client frame on the conversation socket.
type inboundMessage struct {
	Type      output.MessageType `json:"type"`
	Text      string             `json:"text,omitempty"`
	Sentiment string             `json:"sentiment,omitempty"`
	Locale    string             `json:"locale,omitempty"`
}

// session is the per-connection conversation state.
type session struct {
	cfg     synth.Config
	chunk   int
	synth   synth.Synthesizer
	lipsync *lipsync.Session
	conn    *websocket.Conn
	channel *output.Channel
	metrics *observe.Metrics
	started time.Time

	mu      sync.Mutex
	current *playback
}

// playback tracks one in-flight utterance so it can be interrupted from the
// read loop while the speak goroutine owns the chunk stream.
type playback struct {
	mu          sync.Mutex
	result      *synth.SynthesisResult
	interrupted bool
	done        chan struct{}
}

func newPlayback() *playback {
	return &playback{done: make(chan struct{})}
}

// attach hands the synthesis result to the playback. Returns false when the
// playback was interrupted before synthesis finished setting up.
func (p *playback) attach(r *synth.SynthesisResult) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interrupted {
		return false
	}
	p.result = r
	return true
}

// interrupt stops the playback's chunk stream. Safe to call at any point of
// the playback's lifetime, including before synthesis started.
func (p *playback) interrupt() {
	p.mu.Lock()
	p.interrupted = true
	r := p.result
	p.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

func (p *playback) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

// run drives one conversation until the client stops, disconnects, or the
// request context ends.
func (s *session) run(ctx context.Context) {
	defer s.teardown(ctx)
	log := observe.Logger(ctx)

	// The first frame must be a start message.
	msg, err := s.readMessage(ctx)
	if err != nil || msg.Type != output.MessageTypeStart {
		log.Warn("conversation rejected: no start message", "err", err)
		s.conn.Close(websocket.StatusPolicyViolation, "expected start message")
		return
	}

	ready, _ := json.Marshal(struct {
		Type output.MessageType `json:"type"`
	}{output.MessageTypeReady})
	if err := s.conn.Write(ctx, websocket.MessageText, ready); err != nil {
		log.Warn("ready write failed", "err", err)
		return
	}

	s.channel.Start(ctx)
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	if s.lipsync != nil && s.cfg.Encoding != audio.EncodingLinear16 {
		log.Warn("lipsync requires linear16 output; viseme detection disabled for this session",
			"encoding", s.cfg.Encoding)
		s.lipsync = nil
	}
	log.Info("conversation started", "sample_rate", s.cfg.SampleRate, "encoding", s.cfg.Encoding)

	for {
		msg, err := s.readMessage(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				log.Info("conversation closed by peer")
			} else {
				log.Warn("conversation read failed", "err", err)
			}
			s.channel.MarkClosed()
			return
		}

		switch msg.Type {
		case messageTypeUtterance:
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			// Barge-in: a new utterance silences the running one.
			s.interruptCurrent()
			pb := newPlayback()
			s.setCurrent(pb)
			go s.speak(ctx, pb, synth.Utterance{
				Text:      msg.Text,
				Sentiment: msg.Sentiment,
				Locale:    msg.Locale,
			})
		case output.MessageTypeStop:
			log.Info("stop requested")
			return
		case output.MessageTypeStart:
			log.Debug("duplicate start message ignored")
		default:
			log.Debug("unknown message ignored", "type", msg.Type)
		}
	}
}

// readMessage reads frames until one parses as an [inboundMessage].
func (s *session) readMessage(ctx context.Context) (inboundMessage, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return inboundMessage{}, err
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observe.Logger(ctx).Warn("malformed client message dropped", "err", err)
			continue
		}
		return msg, nil
	}
}

func (s *session) setCurrent(pb *playback) {
	s.mu.Lock()
	s.current = pb
	s.mu.Unlock()
}

// interruptCurrent stops the in-flight utterance, if any, and waits for its
// speak goroutine to finish so transcripts never interleave.
func (s *session) interruptCurrent() {
	s.mu.Lock()
	pb := s.current
	s.current = nil
	s.mu.Unlock()
	if pb == nil {
		return
	}
	pb.interrupt()
	<-pb.done
}

// speak synthesizes one utterance and streams its chunks, with viseme events,
// through the output channel. Runs in its own goroutine; pb.done is closed on
// exit.
func (s *session) speak(ctx context.Context, pb *playback, utterance synth.Utterance) {
	defer close(pb.done)
	log := observe.Logger(ctx)

	ctx, span := observe.StartSpan(ctx, "session.speak")
	start := time.Now()

	result, err := s.synth.CreateSpeech(ctx, utterance, s.chunk)
	if err != nil {
		span.End()
		s.metrics.RecordUtterance(ctx, "failed")
		var pe *synth.ProviderError
		if errors.As(err, &pe) {
			s.metrics.RecordProviderError(ctx, pe.Provider)
		}
		log.Error("synthesis failed", "err", err)
		return
	}
	if !pb.attach(result) {
		result.Stop()
		span.End()
		s.metrics.RecordUtterance(ctx, "interrupted")
		return
	}

	bps := float64(s.cfg.Encoding.BytesPerSecond(s.cfg.SampleRate))
	var played float64
	first := true
	spanDelivered := false
	for chunk := range result.Chunks() {
		secs := float64(payloadBytes(chunk.Chunk)) / bps
		events := s.visemeEvents(ctx, result, chunk.Chunk, played, secs)

		if first {
			s.metrics.TimeToFirstChunk.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		// The speak span rides the final chunk so it ends after the last
		// write reaches the transport.
		var chunkSpan trace.Span
		if chunk.IsLast {
			chunkSpan = span
			spanDelivered = true
		}
		s.channel.ConsumeAudio(chunk.Chunk, events, chunkSpan)
		s.metrics.AudioBytesDelivered.Add(ctx, int64(len(chunk.Chunk)))
		played += secs
	}
	s.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	if !spanDelivered {
		span.End()
	}

	spoken := utterance.Text
	outcome := "completed"
	if pb.wasInterrupted() {
		spoken = result.CutoffText(played)
		outcome = "interrupted"
	}
	s.metrics.RecordUtterance(ctx, outcome)
	s.channel.ConsumeTranscript(output.TranscriptEvent{
		Text:      spoken,
		Sender:    "bot",
		Timestamp: time.Since(s.started).Seconds(),
	})
	log.Debug("utterance finished", "outcome", outcome, "seconds", played)
}

// visemeEvents analyzes one chunk with the session's coprocess, falling back
// to the synthesizer's own timeline when no coprocess is attached. Offsets
// are relative to the chunk on both paths, matching the rebased window the
// fallback returns.
func (s *session) visemeEvents(ctx context.Context, result *synth.SynthesisResult, chunk []byte, from, secs float64) []lipsync.VisemeEvent {
	if s.lipsync == nil {
		return result.LipsyncWindow(from, from+secs)
	}
	events, err := s.lipsync.DetectLipsync(ctx, chunk, 0)
	if err != nil {
		observe.Logger(ctx).Warn("lipsync detection failed; disabling for this session", "err", err)
		s.lipsync = nil
		return nil
	}
	return events
}

// teardown stops playback and releases per-connection resources.
func (s *session) teardown(ctx context.Context) {
	s.interruptCurrent()
	if err := s.channel.Terminate(); err != nil {
		slog.Warn("output channel terminated with error", "err", err)
	}
	if s.lipsync != nil {
		s.metrics.LipsyncRestarts.Add(ctx, s.lipsync.Restarts())
		if err := s.lipsync.Close(); err != nil {
			slog.Debug("lipsync close", "err", err)
		}
	}
	if err := s.synth.Close(); err != nil {
		slog.Warn("synthesizer close failed", "err", err)
	}
}

// payloadBytes returns the audible byte count of a chunk, discounting a WAV
// header when present.
func payloadBytes(chunk []byte) int {
	if audio.IsWAV(chunk) {
		return len(chunk) - audio.WAVHeaderSize
	}
	return len(chunk)
}
