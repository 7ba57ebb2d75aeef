package synth

import "strings"

// CutoffFromVoiceSpeed estimates the prefix of text spoken after
// elapsedSeconds at a steady wordsPerMinute rate. The estimate counts whole
// words: spoken = floor(elapsedSeconds * wordsPerMinute / 60), joined back
// with single spaces. The full text is returned once the estimate covers it.
func CutoffFromVoiceSpeed(text string, elapsedSeconds float64, wordsPerMinute int) string {
	if elapsedSeconds <= 0 || wordsPerMinute <= 0 {
		return ""
	}
	words := strings.Fields(text)
	spoken := int(elapsedSeconds * float64(wordsPerMinute) / 60)
	if spoken >= len(words) {
		return text
	}
	return strings.Join(words[:spoken], " ")
}
