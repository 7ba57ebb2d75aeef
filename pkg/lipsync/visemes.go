package lipsync

// VisemeIDs is the fixed ordered table of viseme identifiers: silence plus
// fourteen phoneme classes. The ids are stable strings shared with any
// display layer, and array-mode activation vectors use exactly this channel
// order.
var VisemeIDs = []string{
	"ovr_sil", "ovr_PP", "ovr_FF", "ovr_TH", "ovr_DD",
	"ovr_kk", "ovr_CH", "ovr_SS", "ovr_nn", "ovr_RR",
	"ovr_aa", "ovr_E", "ovr_I", "ovr_O", "ovr_U",
}

// VisemeEvent is one mouth-shape change on an utterance's audio timeline.
// Offsets are non-decreasing within one utterance.
type VisemeEvent struct {
	// AudioOffset is the event position in seconds from the start of the
	// utterance's audio.
	AudioOffset float64 `json:"audio_offset"`

	// VisemeID is an entry of [VisemeIDs].
	VisemeID string `json:"viseme_id"`
}

// legacyRawTokens remaps raw labels emitted by older coprocess builds that
// predate the current vowel naming.
var legacyRawTokens = map[string]string{
	"ih": "I",
	"oh": "O",
	"ou": "U",
}

// visemeIDForToken converts a raw coprocess label into a stable viseme id.
func visemeIDForToken(token string) string {
	if mapped, ok := legacyRawTokens[token]; ok {
		token = mapped
	}
	return "ovr_" + token
}

// EventsInWindow filters events to fromS <= offset < toS and rebases the
// offsets relative to fromS.
func EventsInWindow(events []VisemeEvent, fromS, toS float64) []VisemeEvent {
	out := make([]VisemeEvent, 0, len(events))
	for _, e := range events {
		if fromS <= e.AudioOffset && e.AudioOffset < toS {
			out = append(out, VisemeEvent{
				AudioOffset: e.AudioOffset - fromS,
				VisemeID:    e.VisemeID,
			})
		}
	}
	return out
}
