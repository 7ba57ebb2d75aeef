// Package server accepts websocket conversations and streams synthesized
// speech back over them.
//
// Each connection gets its own synthesizer, output channel, and (when
// configured) lipsync coprocess session. The client drives the conversation
// with JSON messages: a start message opens the session, utterance messages
// request speech, and a stop message ends the session. An utterance arriving
// while another is still playing interrupts the running one; the transcript
// then carries only the words estimated to have been heard.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fictive-reality/voxstream/internal/config"
	"github.com/fictive-reality/voxstream/internal/observe"
	"github.com/fictive-reality/voxstream/internal/output"
	"github.com/fictive-reality/voxstream/internal/resilience"
	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/lipsync"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

// Server hosts the /conversation websocket endpoint.
type Server struct {
	mu      sync.RWMutex
	cfg     *config.Config
	metrics *observe.Metrics

	// newSynthesizer builds the per-connection synthesizer stack.
	// Swapped in tests.
	newSynthesizer func() (synth.Synthesizer, error)

	// newLipsync builds the per-connection viseme coprocess session, or
	// returns nil when lip sync is disabled.
	newLipsync func() *lipsync.Session
}

// New creates a [Server] that builds synthesizers from reg according to cfg.
func New(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) *Server {
	s := &Server{cfg: cfg, metrics: metrics}
	s.newSynthesizer = func() (synth.Synthesizer, error) {
		return buildSynthesizer(s.config(), reg)
	}
	s.newLipsync = func() *lipsync.Session {
		cfg := s.config()
		if !cfg.Lipsync.Enabled() {
			return nil
		}
		return lipsync.NewSession(cfg.Lipsync.SessionConfig(cfg.Synthesis.SynthConfig().SampleRate))
	}
	return s
}

// config returns the current configuration snapshot.
func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the configuration used by new conversations. Running
// sessions keep the snapshot they started with.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Handler returns the HTTP routes served by the conversation server.
// Observability middleware is applied by the caller.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation", s.handleConversation)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// handleConversation upgrades to a websocket and runs one session until the
// client stops or disconnects.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	synthesizer, err := s.newSynthesizer()
	if err != nil {
		observe.Logger(r.Context()).Error("synthesizer setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "synthesizer setup failed")
		return
	}

	cfg := s.config()
	scfg := cfg.Synthesis.SynthConfig()
	sess := &session{
		cfg:     scfg,
		chunk:   chunkSize(scfg, cfg.Synthesis.ChunkSeconds),
		synth:   synthesizer,
		lipsync: s.newLipsync(),
		conn:    conn,
		channel: output.NewChannel(output.NewWebsocketTransport(conn)),
		metrics: s.metrics,
		started: time.Now(),
	}
	sess.run(r.Context())
	conn.Close(websocket.StatusNormalClosure, "")
}

// buildSynthesizer assembles the configured provider stack: primary,
// optional breaker-guarded fallback, optional disk cache.
func buildSynthesizer(cfg *config.Config, reg *config.Registry) (synth.Synthesizer, error) {
	scfg := cfg.Synthesis.SynthConfig()

	primary, err := reg.Create(cfg.Providers.Primary, scfg)
	if err != nil {
		return nil, fmt.Errorf("server: create primary synthesizer %q: %w", cfg.Providers.Primary.Name, err)
	}

	var synthesizer synth.Synthesizer = primary
	if fb := cfg.Providers.Fallback; fb != nil {
		backup, err := reg.Create(*fb, scfg)
		if err != nil {
			return nil, fmt.Errorf("server: create fallback synthesizer %q: %w", fb.Name, err)
		}
		group := resilience.NewSynthFallback(primary, cfg.Providers.Primary.Name, resilience.GroupConfig{
			Breaker: resilience.BreakerConfig{
				MaxFailures:    cfg.Breaker.MaxFailures,
				ResetTimeout:   time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
				HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
			},
		})
		group.AddFallback(fb.Name, backup)
		synthesizer = group
	}

	if dir := cfg.Synthesis.CacheDir; dir != "" {
		voice := cfg.Providers.Primary.Voice
		if voice == "" {
			voice = "default"
		}
		cached, err := synth.NewCaching(synthesizer, dir, voice)
		if err != nil {
			return nil, fmt.Errorf("server: utterance cache: %w", err)
		}
		synthesizer = cached
	}

	return synthesizer, nil
}

// chunkSize returns the per-chunk byte count for one session.
func chunkSize(cfg synth.Config, chunkSeconds float64) int {
	if chunkSeconds <= 0 {
		chunkSeconds = 1.0
	}
	n := int(chunkSeconds * float64(cfg.Encoding.BytesPerSecond(cfg.SampleRate)))
	if n <= 0 {
		n = audio.EncodingLinear16.BytesPerSecond(16000)
	}
	return n
}
