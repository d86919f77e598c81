package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// TestNew_EmptyAPIKey verifies that an empty key is rejected.
func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to whisper-1.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

// TestTranscribe_EmptyAudio verifies that validation happens before any request.
func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := New("sk-test", "", WithBaseURL("http://127.0.0.1:1"))
	_, err := p.Transcribe(context.Background(), stt.Request{Format: audio.Mono16k})
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}
}

// TestTranscribe_RoundTrip runs a request against a fake transcription endpoint.
func TestTranscribe_RoundTrip(t *testing.T) {
	var gotModel, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" good morning "}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 3200), Format: audio.Mono16k})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "good morning" {
		t.Errorf("Text = %q, want %q", tr.Text, "good morning")
	}
	if gotModel != DefaultModel {
		t.Errorf("model = %q, want %q", gotModel, DefaultModel)
	}
	if gotLang != "en" {
		t.Errorf("language = %q, want en", gotLang)
	}
}
