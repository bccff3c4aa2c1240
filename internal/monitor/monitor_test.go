package monitor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/audio/audiotest"
	"github.com/petems/mictap/internal/buffer"
	"github.com/petems/mictap/internal/capture"
)

func newTestMonitor(t *testing.T) (*capture.Engine, *audiotest.Host, *httptest.Server) {
	t.Helper()
	host := audiotest.NewHost(audio.DeviceInfo{
		UID:               "ca:mic",
		Name:              "Mic",
		MaxInputChannels:  1,
		DefaultSampleRate: 48000,
		Default:           true,
	})
	host.SetFormats("ca:mic", audio.FormatDescription{SampleRate: 16000, Channels: 1, BitDepth: 32, PCM: true})

	engine, err := capture.New(capture.Options{
		Host:          host,
		Logger:        zerolog.Nop(),
		MinDuration:   time.Nanosecond,
		WatchInterval: -1,
	})
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	ts := httptest.NewServer(NewServer(engine, zerolog.Nop()).Routes())
	t.Cleanup(ts.Close)
	return engine, host, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// frame decodes any message type the feed can send.
type frame struct {
	Type   string              `json:"type"`
	Level  capture.LevelSample `json:"level"`
	Event  capture.Event       `json:"event"`
	Status capture.Status      `json:"status"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

func TestStatusEndpoint(t *testing.T) {
	engine, host, ts := newTestMonitor(t)

	get := func() capture.Status {
		t.Helper()
		resp, err := http.Get(ts.URL + "/status")
		if err != nil {
			t.Fatalf("GET /status: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status code = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var st capture.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return st
	}

	if st := get(); st.State != "idle" {
		t.Errorf("idle engine reported %q", st.State)
	}

	sess, err := engine.Start(context.Background(), capture.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Cancel()
	host.LastStream().Feed(make([]float32, 1600))

	st := get()
	if st.State != "capturing" {
		t.Errorf("State = %q, want capturing", st.State)
	}
	if st.Device == nil || st.Device.UID != "ca:mic" {
		t.Errorf("Device = %+v", st.Device)
	}
	if st.Samples != 1600 {
		t.Errorf("Samples = %d, want 1600", st.Samples)
	}
}

func TestWebSocketStreamsLevelsAndEvents(t *testing.T) {
	engine, host, ts := newTestMonitor(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The first frame is always the status snapshot; once it arrives the
	// feed's subscriptions are live.
	if f := readFrame(t, conn); f.Type != "status" || f.Status.State != "idle" {
		t.Fatalf("first frame = %+v, want idle status", f)
	}

	sess, err := engine.Start(context.Background(), capture.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Cancel()

	chunk := make([]float32, 1600)
	for i := range chunk {
		chunk[i] = 0.5
	}
	host.LastStream().Feed(chunk)
	engine.Publish(capture.Event{Type: capture.EventCalibrationComplete, Detail: "threshold -65.0 dB"})

	var sawLevel, sawEvent bool
	deadline := time.Now().Add(2 * time.Second)
	for (!sawLevel || !sawEvent) && time.Now().Before(deadline) {
		f := readFrame(t, conn)
		switch f.Type {
		case "level":
			sawLevel = true
			if want := buffer.DBFS(0.5); math.Abs(f.Level.PeakDB-want) > 1e-6 {
				t.Errorf("level frame PeakDB = %v, want %v", f.Level.PeakDB, want)
			}
		case "event":
			sawEvent = true
			if f.Event.Type != capture.EventCalibrationComplete {
				t.Errorf("event frame type = %q", f.Event.Type)
			}
		}
	}
	if !sawLevel || !sawEvent {
		t.Fatalf("feed incomplete: level=%v event=%v", sawLevel, sawEvent)
	}
}

func TestWebSocketOriginPolicy(t *testing.T) {
	_, _, ts := newTestMonitor(t)

	// Foreign origins are refused during the handshake.
	header := http.Header{"Origin": {"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		t.Fatal("foreign origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %+v, want 403", resp)
	}

	// Localhost pages may connect.
	header = http.Header{"Origin": {"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("localhost origin refused: %v", err)
	}
	conn.Close()
}
