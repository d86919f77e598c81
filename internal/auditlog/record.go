// Package auditlog persists one metrics record per finalized turn.
//
// Every attempt is recorded, including turns that yielded no utterance, so
// the log shows how often the endpointer discarded noise. Records go to one
// or more [Sink] implementations: an append-only CSV file compatible with
// the historical speech_metrics.csv layout and an optional PostgreSQL table.
package auditlog

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/cadence"
	"github.com/MrWong99/parley/internal/endpoint"
)

// Columns is the CSV header, in file order.
var Columns = []string{
	"uuid",
	"timestamp",
	"audio_filename",
	"original_vad_string",
	"trimmed_vad_string_for_metrics",
	"total_active_duration_seconds",
	"speech_time_seconds",
	"internal_pause_time_seconds",
	"num_internal_pauses",
	"avg_internal_pause_duration_seconds",
	"word_count",
	"characters_spoken_count",
	"wpm_total_active",
	"wpm_speaking",
	"cps_speaking",
	"transcribed_text",
}

// Record is one row of the metrics log.
type Record struct {
	ID        uuid.UUID
	Timestamp time.Time

	// AudioRef names the stored utterance audio. Empty when the turn yielded
	// no utterance or the audio could not be stored.
	AudioRef string

	// Verdicts is the full, untrimmed verdict string of the turn.
	Verdicts string

	// Cause is what ended the turn ("idle", "max_duration", "forced").
	Cause string

	// Provider names the transcription backend, if any ran.
	Provider string

	Transcript string
	Metrics    cadence.Metrics
}

// NewRecord builds a record for a finalized attempt with a fresh random ID
// and the current time.
func NewRecord(a endpoint.Attempt, transcript, provider, audioRef string, m cadence.Metrics) Record {
	return Record{
		ID:         uuid.New(),
		Timestamp:  time.Now(),
		AudioRef:   audioRef,
		Verdicts:   a.Verdicts.String(),
		Cause:      a.Cause.String(),
		Provider:   provider,
		Transcript: transcript,
		Metrics:    m,
	}
}

// Row renders the record as CSV fields in [Columns] order. The timestamp is
// Unix seconds with microsecond precision.
func (r Record) Row() []string {
	m := r.Metrics
	return []string{
		r.ID.String(),
		strconv.FormatFloat(float64(r.Timestamp.UnixMicro())/1e6, 'f', 6, 64),
		r.AudioRef,
		r.Verdicts,
		m.Segment,
		formatFloat(m.TotalDuration),
		formatFloat(m.SpeechTime),
		formatFloat(m.PauseTime),
		strconv.Itoa(m.NumPauses),
		formatFloat(m.AvgPauseDuration),
		strconv.Itoa(m.WordCount),
		strconv.Itoa(m.CharCount),
		formatFloat(m.WPMTotalActive),
		formatFloat(m.WPMSpeaking),
		formatFloat(m.CPSSpeaking),
		r.Transcript,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Sink receives metrics records. Implementations must be safe for concurrent
// use; every connection appends from its own goroutine.
type Sink interface {
	Append(ctx context.Context, r Record) error
}
