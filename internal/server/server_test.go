package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/zaf/g711"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	auditmock "github.com/MrWong99/parley/internal/auditlog/mock"
	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/codec"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// testConfig uses 20 ms frames, a 200 ms initial idle, a 100 ms subsequent
// idle (5 frames) and a 60 ms minimum (3 frames).
func testConfig() server.Config {
	return server.Config{
		Endpoint: endpoint.Config{
			Format:         audio.Mono16k,
			FrameDuration:  20 * time.Millisecond,
			InitialIdle:    200 * time.Millisecond,
			SubsequentIdle: 100 * time.Millisecond,
			MinSpeech:      60 * time.Millisecond,
		},
		Encoding:       codec.PCM16,
		Aggressiveness: 1,
	}
}

func frame(amp int16) []byte {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.Int16sToBytes(s)
}

var (
	loud  = frame(5000)
	quiet = frame(0)
)

type harness struct {
	h      *server.Handler
	srv    *httptest.Server
	sink   *auditmock.Sink
	stt    *sttmock.Provider
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T, cfg server.Config) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sink := &auditmock.Sink{}
	prov := &sttmock.Provider{Result: stt.Transcript{Text: "hello there", Provider: "mock"}}
	proc := turn.New(prov, sink, turn.WithMetrics(m))

	h, err := server.NewHandler(cfg, energy.New(), proc, server.WithMetrics(m))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		h.Wait()
		srv.Close()
	})
	return &harness{h: h, srv: srv, sink: sink, stt: prov, reader: reader}
}

func (hs *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.srv.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

// sum adds up the data points of an int64 counter or up-down counter whose
// key attribute equals value. An empty key matches every data point.
func (hs *harness) sum(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := hs.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s has data type %T", name, m.Data)
			}
			for _, dp := range data.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// readMsg reads one text message and returns its type and raw JSON.
func readMsg(t *testing.T, c *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env.Type, data
}

func expect[T any](t *testing.T, c *websocket.Conn, wantType string) T {
	t.Helper()
	typ, data := readMsg(t, c)
	if typ != wantType {
		t.Fatalf("message type = %q, want %q (%s)", typ, wantType, data)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

func send(t *testing.T, c *websocket.Conn, frames ...[]byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, f := range frames {
		if err := c.Write(ctx, websocket.MessageBinary, f); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

func control(t *testing.T, c *websocket.Conn, typ string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(map[string]string{"type": typ})
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func repeat(f []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = f
	}
	return out
}

func waitRecords(t *testing.T, sink *auditmock.Sink, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(sink.Snapshot()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d records, want %d", len(sink.Snapshot()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()
	proc := turn.New(&sttmock.Provider{}, &auditmock.Sink{})

	bad := testConfig()
	bad.Endpoint.FrameDuration = 25 * time.Millisecond
	badEnc := testConfig()
	badEnc.Encoding = "flac"
	badAggr := testConfig()
	badAggr.Aggressiveness = 7

	tests := []struct {
		name      string
		cfg       server.Config
		nilEngine bool
	}{
		{name: "frame duration", cfg: bad},
		{name: "encoding", cfg: badEnc},
		{name: "aggressiveness", cfg: badAggr},
		{name: "nil engine", cfg: testConfig(), nilEngine: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.nilEngine {
				_, err = server.NewHandler(tt.cfg, nil, proc)
			} else {
				_, err = server.NewHandler(tt.cfg, energy.New(), proc)
			}
			if err == nil {
				t.Fatal("NewHandler succeeded, want error")
			}
		})
	}
}

func TestHandler_ReadyDescribesFrames(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)

	ready := expect[server.ReadyMessage](t, c, server.MsgReady)
	want := server.ReadyMessage{
		Type: server.MsgReady, Encoding: "pcm16", SampleRate: 16000,
		Channels: 1, FrameMs: 20, PCMFrameBytes: 640,
	}
	if ready != want {
		t.Errorf("ready = %+v, want %+v", ready, want)
	}
}

func TestHandler_UtteranceThenResume(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, repeat(quiet, 2)...)
	send(t, c, repeat(loud, 5)...)
	send(t, c, repeat(quiet, 5)...)

	u := expect[server.UtteranceMessage](t, c, server.MsgUtterance)
	if u.Verdicts != "__11111_____" {
		t.Errorf("verdicts = %q, want %q", u.Verdicts, "__11111_____")
	}
	if u.Cause != "idle" {
		t.Errorf("cause = %q, want idle", u.Cause)
	}
	if u.Transcript != "hello there" {
		t.Errorf("transcript = %q, want %q", u.Transcript, "hello there")
	}
	if u.DurationMs != 100 {
		t.Errorf("duration = %dms, want 100ms", u.DurationMs)
	}
	if u.Metrics.Segment != "11111" || u.Metrics.WordCount != 2 {
		t.Errorf("metrics = %+v, want segment 11111 and 2 words", u.Metrics)
	}
	if u.ID == "" {
		t.Error("utterance ID is empty")
	}

	// Not listening until the client resumes.
	send(t, c, loud)
	control(t, c, server.CtlTTSComplete)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	if got := hs.sum(t, "parley.frames", "outcome", "dropped"); got != 1 {
		t.Errorf("dropped frames = %d, want 1", got)
	}
	if got := hs.stt.CallCount(); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
	recs := hs.sink.Snapshot()
	if len(recs) != 1 || recs[0].ID.String() != u.ID {
		t.Fatalf("records = %+v, want one with ID %s", recs, u.ID)
	}
}

func TestHandler_NoUtteranceAutoResume(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.AutoResume = true
	hs := newHarness(t, cfg)
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, loud)
	send(t, c, repeat(quiet, 5)...)

	nu := expect[server.NoUtteranceMessage](t, c, server.MsgNoUtterance)
	if nu.Verdicts != "1_____" {
		t.Errorf("verdicts = %q, want %q", nu.Verdicts, "1_____")
	}
	expect[server.ReadyMessage](t, c, server.MsgReady)

	if got := hs.stt.CallCount(); got != 0 {
		t.Errorf("transcribe calls = %d, want 0", got)
	}
	waitRecords(t, hs.sink, 1)
	if rec := hs.sink.Snapshot()[0]; rec.Transcript != "" {
		t.Errorf("empty attempt transcript = %q, want empty", rec.Transcript)
	}
}

func TestHandler_AudioEndedForcesFinalization(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, repeat(loud, 4)...)
	send(t, c, quiet)
	control(t, c, server.CtlAudioEnded)

	u := expect[server.UtteranceMessage](t, c, server.MsgUtterance)
	if u.Cause != "forced" {
		t.Errorf("cause = %q, want forced", u.Cause)
	}
	if u.Verdicts != "1111_" {
		t.Errorf("verdicts = %q, want %q", u.Verdicts, "1111_")
	}
}

func TestHandler_Warnings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		send     func(t *testing.T, c *websocket.Conn)
		wantKind string
	}{
		{
			name:     "short frame",
			send:     func(t *testing.T, c *websocket.Conn) { send(t, c, make([]byte, 100)) },
			wantKind: server.WarnMalformedFrame,
		},
		{
			name: "invalid json",
			send: func(t *testing.T, c *websocket.Conn) {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := c.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
					t.Fatalf("Write: %v", err)
				}
			},
			wantKind: server.WarnInvalidControl,
		},
		{
			name:     "unknown control",
			send:     func(t *testing.T, c *websocket.Conn) { control(t, c, "dance") },
			wantKind: server.WarnInvalidControl,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hs := newHarness(t, testConfig())
			c := hs.dial(t)
			expect[server.ReadyMessage](t, c, server.MsgReady)

			tt.send(t, c)
			w := expect[server.WarningMessage](t, c, server.MsgWarning)
			if w.Kind != tt.wantKind {
				t.Errorf("warning kind = %q, want %q", w.Kind, tt.wantKind)
			}
		})
	}
}

func TestHandler_TranscriptionFailureWarns(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	hs.stt.Err = errors.New("backend down")
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, repeat(loud, 3)...)
	send(t, c, repeat(quiet, 5)...)

	u := expect[server.UtteranceMessage](t, c, server.MsgUtterance)
	if u.Transcript != "" {
		t.Errorf("transcript = %q, want empty", u.Transcript)
	}
	w := expect[server.WarningMessage](t, c, server.MsgWarning)
	if w.Kind != string(turn.WarnTranscription) {
		t.Errorf("warning kind = %q, want %q", w.Kind, turn.WarnTranscription)
	}
}

func TestHandler_ResetDiscardsBuffer(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, repeat(loud, 4)...)
	control(t, c, server.CtlReset)
	send(t, c, repeat(loud, 3)...)
	send(t, c, repeat(quiet, 5)...)

	u := expect[server.UtteranceMessage](t, c, server.MsgUtterance)
	if u.Verdicts != "111_____" {
		t.Errorf("verdicts = %q, want %q", u.Verdicts, "111_____")
	}
}

func TestHandler_DisconnectFinalizesBufferedAudio(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, repeat(loud, 4)...)
	c.Close(websocket.StatusNormalClosure, "bye")

	waitRecords(t, hs.sink, 1)
	hs.h.Wait()
	rec := hs.sink.Snapshot()[0]
	if rec.Cause != "forced" || rec.Verdicts != "1111" {
		t.Errorf("record cause=%q verdicts=%q, want forced 1111", rec.Cause, rec.Verdicts)
	}
	if rec.Transcript != "hello there" {
		t.Errorf("transcript = %q, want %q", rec.Transcript, "hello there")
	}
}

func TestHandler_DisconnectWithEmptyBufferLogsNothing(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)
	if got := hs.sum(t, "parley.active_connections", "", ""); got != 1 {
		t.Fatalf("active connections = %d, want 1", got)
	}
	c.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for hs.sum(t, "parley.active_connections", "", "") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not torn down")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hs.h.Wait()
	if n := len(hs.sink.Snapshot()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

// closeStatus reads from c in the background so the client answers the
// server's close handshake, and reports the close status it saw.
func closeStatus(c *websocket.Conn) <-chan websocket.StatusCode {
	ch := make(chan websocket.StatusCode, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				ch <- websocket.CloseStatus(err)
				return
			}
		}
	}()
	return ch
}

func TestHandler_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)
	status := closeStatus(c)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := hs.h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := <-status; got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
	}
}

func TestHandler_ShutdownDrainsBufferedTurn(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	c := hs.dial(t)
	expect[server.ReadyMessage](t, c, server.MsgReady)

	send(t, c, repeat(loud, 4)...)
	// The read loop is sequential: once this warning arrives the frames
	// before it have been ingested.
	control(t, c, "noop")
	expect[server.WarningMessage](t, c, server.MsgWarning)
	status := closeStatus(c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	recs := hs.sink.Snapshot()
	if len(recs) != 1 {
		t.Fatalf("records when Shutdown returned = %d, want 1", len(recs))
	}
	if recs[0].Cause != "forced" || recs[0].Verdicts != "1111" {
		t.Errorf("record cause=%q verdicts=%q, want forced 1111", recs[0].Cause, recs[0].Verdicts)
	}
	<-status
}

func TestHandler_RejectsConnectionsAfterClose(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	hs.h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Dial succeeded after Close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v, want 503", resp)
	}
}

func TestHandler_UpdateConfigAppliesToNewConnections(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, testConfig())
	old := hs.dial(t)
	expect[server.ReadyMessage](t, old, server.MsgReady)

	bad := testConfig()
	bad.Encoding = "flac"
	if err := hs.h.UpdateConfig(bad); err == nil {
		t.Fatal("UpdateConfig accepted an invalid config")
	}

	next := testConfig()
	next.Encoding = codec.MuLaw
	if err := hs.h.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got := hs.h.Config().Encoding; got != codec.MuLaw {
		t.Errorf("Config().Encoding = %q, want mulaw", got)
	}

	c := hs.dial(t)
	if r := expect[server.ReadyMessage](t, c, server.MsgReady); r.Encoding != "mulaw" {
		t.Errorf("new connection encoding = %q, want mulaw", r.Encoding)
	}

	// µ-law frames carry one byte per sample and decode to 640 bytes of PCM.
	send(t, c, repeat(g711.EncodeUlaw(loud), 3)...)
	send(t, c, repeat(g711.EncodeUlaw(quiet), 5)...)
	if u := expect[server.UtteranceMessage](t, c, server.MsgUtterance); u.Verdicts != "111_____" {
		t.Errorf("verdicts = %q, want %q", u.Verdicts, "111_____")
	}

	// The old connection still expects PCM16 frames.
	send(t, old, repeat(loud, 3)...)
	send(t, old, repeat(quiet, 5)...)
	expect[server.UtteranceMessage](t, old, server.MsgUtterance)
}

func TestHandler_VADSessionFailureClosesConnection(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{NewSessionErr: errors.New("no model")}
	proc := turn.New(&sttmock.Provider{}, &auditmock.Sink{})
	h, err := server.NewHandler(testConfig(), eng, proc)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Errorf("close status = %v, want %v", got, websocket.StatusInternalError)
	}
}
