package wavio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/petems/mictap/internal/buffer"
)

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	rec := &buffer.Recording{
		Samples: []float32{0, 0.5, -0.5, 1, -1},
		Stats:   buffer.Stats{SampleCount: 5},
	}

	if err := Save(path, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if buf.Format.SampleRate != buffer.CanonicalRate {
		t.Errorf("SampleRate = %d, want %d", buf.Format.SampleRate, buffer.CanonicalRate)
	}
	if buf.Format.NumChannels != 1 {
		t.Errorf("NumChannels = %d, want 1", buf.Format.NumChannels)
	}

	want := []int{0, 16383, -16383, 32767, -32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), len(want))
	}
	for i, w := range want {
		if buf.Data[i] != w {
			t.Errorf("sample %d = %d, want %d", i, buf.Data[i], w)
		}
	}
}

func TestPCM16Clamps(t *testing.T) {
	if got := pcm16(1.5); got != 32767 {
		t.Errorf("pcm16(1.5) = %d, want clamp to 32767", got)
	}
	if got := pcm16(-2); got != -32768 {
		t.Errorf("pcm16(-2) = %d, want clamp to -32768", got)
	}
}

func TestSaveStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	rec := &buffer.Recording{
		Stats: buffer.Stats{
			SampleCount: 16000,
			Duration:    time.Second,
			PeakDB:      -6.02,
			RMSDB:       -20,
			ThresholdDB: -50,
		},
	}

	if err := SaveStats(path, rec); err != nil {
		t.Fatalf("SaveStats: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got buffer.Stats
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SampleCount != 16000 || got.Duration != time.Second || got.PeakDB != -6.02 {
		t.Errorf("round-tripped stats = %+v", got)
	}
}
