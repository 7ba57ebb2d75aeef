package audio

// TrimAudio extracts the audio spoken between offsetS and offsetS+durationS
// (both measured since the start of the stream) from a sliding window over a
// possibly-truncated 16-bit mono PCM stream.
//
// buffer holds at most the last few seconds of audio; totalBytes counts every
// byte ever produced since the stream started, including bytes already
// discarded from the window. The requested range is clamped to totalBytes and
// rebased into the retained window. When the clamped duration is empty, or
// the window holds less than one second of audio, the buffer is returned
// unchanged.
func TrimAudio(sampleRate int, buffer []byte, totalBytes int, offsetS, durationS float64) []byte {
	const bytesPerSample = 2

	offsetBytes := int(max(0, offsetS) * bytesPerSample * float64(sampleRate))
	durationBytes := int(max(0, durationS) * bytesPerSample * float64(sampleRate))

	if offsetBytes+durationBytes > totalBytes {
		durationBytes = totalBytes - offsetBytes
	}
	// Earlier audio may have been discarded from the window; shift the offset
	// so it indexes into what is still retained.
	offsetBytes -= totalBytes
	offsetBytes += len(buffer)
	offsetBytes = max(0, offsetBytes)

	if durationBytes <= 0 || len(buffer) <= bytesPerSample*sampleRate {
		return buffer
	}
	end := offsetBytes + durationBytes
	if offsetBytes > len(buffer) {
		offsetBytes = len(buffer)
	}
	if end > len(buffer) {
		end = len(buffer)
	}
	return buffer[offsetBytes:end]
}
