package turn_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/auditlog/mock"
	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/vocab"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
)

type fakeStore struct {
	mu    sync.Mutex
	err   error
	saved [][]byte
}

func (s *fakeStore) Save(_ context.Context, pcm []byte, _ audio.Format) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, pcm)
	return "utt.wav", nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func acceptedAttempt() endpoint.Attempt {
	return endpoint.Attempt{
		Utterance: &endpoint.Utterance{
			Audio:  bytes.Repeat([]byte{1, 0}, 320*5),
			Format: audio.Mono16k,
			First:  2,
			Last:   7,
		},
		Verdicts:      endpoint.ParseVerdicts("__111_11__"),
		FrameDuration: 20 * time.Millisecond,
		Cause:         endpoint.CauseIdle,
	}
}

func TestProcess_Utterance(t *testing.T) {
	transcriber := &sttmock.Provider{Result: stt.Transcript{Text: "hello there", Provider: "whisper"}}
	sink := &mock.Sink{}
	store := &fakeStore{}
	p := turn.New(transcriber, sink,
		turn.WithArtifactStore(store),
		turn.WithMetrics(testMetrics(t)),
		turn.WithLanguage("de"),
	)

	a := acceptedAttempt()
	res := p.Process(context.Background(), a)

	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Err())
	}
	if res.Transcript.Text != "hello there" {
		t.Errorf("transcript = %q", res.Transcript.Text)
	}

	if transcriber.CallCount() != 1 {
		t.Fatalf("transcriber called %d times, want 1", transcriber.CallCount())
	}
	req := transcriber.TranscribeCalls[0].Req
	if !bytes.Equal(req.Audio, a.Utterance.Audio) || req.Format != audio.Mono16k || req.Language != "de" {
		t.Errorf("request = %+v", req)
	}
	if len(store.saved) != 1 {
		t.Errorf("store saved %d utterances, want 1", len(store.saved))
	}

	m := res.Metrics
	if m.Segment != "111_11" || m.WordCount != 2 || m.NumPauses != 1 {
		t.Errorf("metrics = %+v", m)
	}

	recs := sink.Snapshot()
	if len(recs) != 1 {
		t.Fatalf("sink got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.AudioRef != "utt.wav" || r.Verdicts != "__111_11__" || r.Transcript != "hello there" || r.Provider != "whisper" {
		t.Errorf("record = %+v", r)
	}
	if r.ID != res.Record.ID {
		t.Error("result must carry the logged record")
	}
}

func TestProcess_Vocabulary(t *testing.T) {
	transcriber := &sttmock.Provider{Result: stt.Transcript{Text: "I met Eldrinaks at the tower of whisper."}}
	sink := &mock.Sink{}
	voc := vocab.New([]string{"Eldrinax", "Tower of Whispers"})
	p := turn.New(transcriber, sink, turn.WithMetrics(testMetrics(t)), turn.WithVocabulary(voc))

	res := p.Process(context.Background(), acceptedAttempt())

	want := "I met Eldrinax at the Tower of Whispers."
	if res.Transcript.Text != want {
		t.Errorf("transcript = %q, want %q", res.Transcript.Text, want)
	}
	if len(res.Corrections) != 2 {
		t.Errorf("corrections = %+v, want 2", res.Corrections)
	}
	if recs := sink.Snapshot(); len(recs) != 1 || recs[0].Transcript != want {
		t.Errorf("record must carry the corrected transcript, got %+v", recs)
	}
	if res.Metrics.WordCount != 8 {
		t.Errorf("word count = %d, want 8", res.Metrics.WordCount)
	}
	kws := transcriber.TranscribeCalls[0].Req.Keywords
	if len(kws) != 2 || kws[0].Keyword != "Eldrinax" {
		t.Errorf("keywords = %+v", kws)
	}
}

func TestProcess_EmptyAttemptIsLoggedWithoutTranscription(t *testing.T) {
	transcriber := &sttmock.Provider{}
	sink := &mock.Sink{}
	store := &fakeStore{}
	p := turn.New(transcriber, sink, turn.WithArtifactStore(store), turn.WithMetrics(testMetrics(t)))

	a := endpoint.Attempt{
		Verdicts:      endpoint.ParseVerdicts("__11__"),
		FrameDuration: 20 * time.Millisecond,
		Cause:         endpoint.CauseIdle,
	}
	res := p.Process(context.Background(), a)

	if transcriber.CallCount() != 0 {
		t.Error("empty attempt must not be transcribed")
	}
	if len(store.saved) != 0 {
		t.Error("empty attempt must not be stored")
	}
	recs := sink.Snapshot()
	if len(recs) != 1 {
		t.Fatalf("sink got %d records, want 1", len(recs))
	}
	if recs[0].AudioRef != "" || recs[0].Transcript != "" || recs[0].Verdicts != "__11__" {
		t.Errorf("record = %+v", recs[0])
	}
	if res.Metrics.Segment != "11" || res.Metrics.SpeechTime != 0.04 || res.Metrics.WordCount != 0 {
		t.Errorf("metrics = %+v", res.Metrics)
	}
}

func TestProcess_Warnings(t *testing.T) {
	tests := []struct {
		name        string
		transcriber *sttmock.Provider
		store       *fakeStore
		sinkErr     error
		want        []turn.WarningKind
	}{
		{
			name:        "sink failure",
			transcriber: &sttmock.Provider{Result: stt.Transcript{Text: "hi"}},
			store:       &fakeStore{},
			sinkErr:     errors.New("disk full"),
			want:        []turn.WarningKind{turn.WarnSinkWrite},
		},
		{
			name:        "transcriber failure",
			transcriber: &sttmock.Provider{Err: errors.New("503")},
			store:       &fakeStore{},
			want:        []turn.WarningKind{turn.WarnTranscription},
		},
		{
			name:        "artifact failure",
			transcriber: &sttmock.Provider{Result: stt.Transcript{Text: "hi"}},
			store:       &fakeStore{err: errors.New("read-only fs")},
			want:        []turn.WarningKind{turn.WarnArtifactWrite},
		},
		{
			name:        "everything fails",
			transcriber: &sttmock.Provider{Err: errors.New("503")},
			store:       &fakeStore{err: errors.New("read-only fs")},
			sinkErr:     errors.New("disk full"),
			want:        []turn.WarningKind{turn.WarnArtifactWrite, turn.WarnTranscription, turn.WarnSinkWrite},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &mock.Sink{Err: tt.sinkErr}
			p := turn.New(tt.transcriber, sink, turn.WithArtifactStore(tt.store), turn.WithMetrics(testMetrics(t)))

			res := p.Process(context.Background(), acceptedAttempt())

			if len(res.Warnings) != len(tt.want) {
				t.Fatalf("warnings = %v, want kinds %v", res.Warnings, tt.want)
			}
			for i, k := range tt.want {
				if res.Warnings[i].Kind != k {
					t.Errorf("warning %d = %s, want %s", i, res.Warnings[i].Kind, k)
				}
				if !res.HasWarning(k) {
					t.Errorf("HasWarning(%s) = false", k)
				}
			}
			if res.Err() == nil {
				t.Error("Err() must be non-nil when warnings exist")
			}
			if n := len(sink.Snapshot()); n != 1 {
				t.Errorf("sink got %d records, want 1 even on failure", n)
			}
		})
	}
}

func TestProcess_TranscriptionFailureStillComputesMetrics(t *testing.T) {
	sink := &mock.Sink{}
	p := turn.New(&sttmock.Provider{Err: errors.New("down")}, sink, turn.WithMetrics(testMetrics(t)))

	res := p.Process(context.Background(), acceptedAttempt())

	if res.Metrics.TotalDuration != 0.12 || res.Metrics.WordCount != 0 {
		t.Errorf("metrics = %+v", res.Metrics)
	}
	if got := sink.Snapshot()[0].AudioRef; got != "" {
		t.Errorf("AudioRef = %q, want empty without a store", got)
	}
}

func TestProcess_TranscribeTimeout(t *testing.T) {
	transcriber := &sttmock.Provider{Fn: func(ctx context.Context, _ stt.Request) (stt.Transcript, error) {
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	}}
	p := turn.New(transcriber, &mock.Sink{},
		turn.WithMetrics(testMetrics(t)),
		turn.WithTranscribeTimeout(10*time.Millisecond),
	)

	res := p.Process(context.Background(), acceptedAttempt())
	if !res.HasWarning(turn.WarnTranscription) {
		t.Fatal("expected transcription warning")
	}
	if !errors.Is(res.Warnings[0], context.DeadlineExceeded) {
		t.Errorf("warning = %v, want DeadlineExceeded", res.Warnings[0])
	}
}

func TestProcess_ProviderNameFallback(t *testing.T) {
	sink := &mock.Sink{}
	p := turn.New(&sttmock.Provider{Result: stt.Transcript{Text: "ok"}}, sink,
		turn.WithMetrics(testMetrics(t)),
		turn.WithProviderName("openai"),
	)
	res := p.Process(context.Background(), acceptedAttempt())
	if res.Transcript.Provider != "openai" || sink.Snapshot()[0].Provider != "openai" {
		t.Errorf("provider = %q", res.Transcript.Provider)
	}
}
