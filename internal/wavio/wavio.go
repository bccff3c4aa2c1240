// Package wavio writes finalized recordings to disk: the audio as a
// canonical-format WAV and the precomputed stats as a JSON sidecar, so
// downstream consumers act on the capture verdict instead of re-deriving
// it.
package wavio

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/petems/mictap/internal/buffer"
)

// Save writes rec as a mono 16 kHz 16-bit PCM WAV at path.
func Save(path string, rec *buffer.Recording) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, buffer.CanonicalRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  buffer.CanonicalRate,
		},
		Data:           make([]int, len(rec.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range rec.Samples {
		buf.Data[i] = int(pcm16(s))
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	return enc.Close()
}

// SaveStats writes the recording's stats as JSON at path.
func SaveStats(path string, rec *buffer.Recording) error {
	data, err := json.MarshalIndent(rec.Stats, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// pcm16 converts one canonical sample to 16-bit PCM. Finalized
// recordings stay in [-1, 1]; values outside clamp rather than wrap.
func pcm16(s float32) int16 {
	v := s * 32767
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
