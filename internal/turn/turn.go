// Package turn processes finalized attempts: it stores the utterance audio,
// transcribes it, computes cadence metrics, and appends a record to the
// metrics log.
//
// Failures after finalization never abort a turn. Each one is logged and
// surfaced as a [Warning] on the [Result] so the caller can forward it to
// the client; whatever could be computed is still logged.
package turn

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/artifact"
	"github.com/MrWong99/parley/internal/auditlog"
	"github.com/MrWong99/parley/internal/cadence"
	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/vocab"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// WarningKind classifies a non-fatal turn failure.
type WarningKind string

const (
	// WarnArtifactWrite: the utterance audio could not be stored.
	WarnArtifactWrite WarningKind = "artifact_write_failure"

	// WarnTranscription: every transcriber failed; the transcript is empty.
	WarnTranscription WarningKind = "transcription_failure"

	// WarnSinkWrite: the metrics record could not be written.
	WarnSinkWrite WarningKind = "sink_write_failure"
)

// Warning is a non-fatal failure encountered while processing a turn.
type Warning struct {
	Kind WarningKind
	Err  error
}

// Error implements error.
func (w Warning) Error() string { return string(w.Kind) + ": " + w.Err.Error() }

// Unwrap returns the underlying error.
func (w Warning) Unwrap() error { return w.Err }

// Result is the outcome of processing one attempt.
type Result struct {
	Attempt    endpoint.Attempt
	Transcript stt.Transcript
	Metrics    cadence.Metrics
	Record     auditlog.Record
	Warnings   []Warning

	// Corrections lists vocabulary replacements applied to Transcript.Text.
	Corrections []vocab.Correction
}

// Option is a functional option for [New].
type Option func(*Processor)

// WithArtifactStore stores every accepted utterance. Without a store no
// audio is kept and records carry an empty audio reference.
func WithArtifactStore(s artifact.Store) Option {
	return func(p *Processor) { p.store = s }
}

// WithMetrics records instruments on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLanguage passes a language hint to the transcriber.
func WithLanguage(lang string) Option {
	return func(p *Processor) { p.language = lang }
}

// WithKeywords passes recognition hints to the transcriber.
func WithKeywords(kws []stt.KeywordBoost) Option {
	return func(p *Processor) { p.keywords = kws }
}

// WithTranscribeTimeout bounds each transcription call. Zero means no bound
// beyond the caller's context.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(p *Processor) { p.transcribeTimeout = d }
}

// WithProviderName sets the name recorded when the transcriber does not
// report one.
func WithProviderName(name string) Option {
	return func(p *Processor) { p.providerName = name }
}

// WithVocabulary passes the vocabulary to the transcriber as keyword hints
// and aligns every transcript with it.
func WithVocabulary(v *vocab.Vocabulary) Option {
	return func(p *Processor) {
		p.vocab = v
		p.keywords = append(p.keywords, v.Keywords()...)
	}
}

// Processor runs the post-finalization pipeline. It holds no per-turn state
// and is safe for concurrent use by many connections.
type Processor struct {
	transcriber       stt.Provider
	sink              auditlog.Sink
	store             artifact.Store
	metrics           *observe.Metrics
	language          string
	keywords          []stt.KeywordBoost
	transcribeTimeout time.Duration
	providerName      string
	vocab             *vocab.Vocabulary
}

// New creates a Processor. transcriber and sink must be non-nil.
func New(transcriber stt.Provider, sink auditlog.Sink, opts ...Option) *Processor {
	p := &Processor{
		transcriber:  transcriber,
		sink:         sink,
		providerName: "stt",
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Process handles one finalized attempt. Empty attempts skip storage and
// transcription but are still logged.
func (p *Processor) Process(ctx context.Context, a endpoint.Attempt) Result {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "turn.process",
		trace.WithAttributes(
			attribute.String("cause", a.Cause.String()),
			attribute.Bool("empty", a.Empty()),
			attribute.Int("frames", len(a.Verdicts)),
		),
	)
	defer span.End()
	log := observe.Logger(ctx)

	res := Result{Attempt: a}
	p.metrics.RecordAttempt(ctx, a.Cause.String(), a.Empty())

	var audioRef string
	if u := a.Utterance; u != nil {
		p.metrics.UtteranceDuration.Record(ctx, u.Duration().Seconds())

		if p.store != nil {
			ref, err := p.store.Save(ctx, u.Audio, u.Format)
			if err != nil {
				log.Warn("turn: store utterance audio", "err", err)
				res.Warnings = append(res.Warnings, Warning{Kind: WarnArtifactWrite, Err: err})
			}
			audioRef = ref
		}

		t, err := p.transcribe(ctx, u)
		if err != nil {
			log.Warn("turn: transcription failed", "err", err)
			res.Warnings = append(res.Warnings, Warning{Kind: WarnTranscription, Err: err})
		}
		if p.vocab != nil && t.Text != "" {
			t.Text, res.Corrections = p.vocab.Correct(t.Text)
			if len(res.Corrections) > 0 {
				log.Debug("turn: transcript corrected", "corrections", len(res.Corrections))
			}
		}
		res.Transcript = t
	}

	res.Metrics = cadence.Compute(a.Segment(), res.Transcript.Text, a.FrameDuration)
	res.Record = auditlog.NewRecord(a, res.Transcript.Text, res.Transcript.Provider, audioRef, res.Metrics)

	err := p.sink.Append(ctx, res.Record)
	p.metrics.RecordSinkWrite(ctx, err)
	if err != nil {
		log.Error("turn: write metrics record", "id", res.Record.ID, "err", err)
		res.Warnings = append(res.Warnings, Warning{Kind: WarnSinkWrite, Err: err})
	}

	span.SetAttributes(
		attribute.String("record_id", res.Record.ID.String()),
		attribute.Int("warnings", len(res.Warnings)),
	)
	p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("turn: processed",
		"id", res.Record.ID,
		"cause", a.Cause.String(),
		"empty", a.Empty(),
		"verdicts", res.Record.Verdicts,
		"words", res.Metrics.WordCount,
		"warnings", len(res.Warnings),
	)
	return res
}

func (p *Processor) transcribe(ctx context.Context, u *endpoint.Utterance) (t stt.Transcript, err error) {
	ctx, span := observe.StartSpan(ctx, "turn.transcribe")
	defer func() { observe.EndSpan(span, err) }()

	if p.transcribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.transcribeTimeout)
		defer cancel()
	}

	start := time.Now()
	t, err = p.transcriber.Transcribe(ctx, stt.Request{
		Audio:    u.Audio,
		Format:   u.Format,
		Language: p.language,
		Keywords: p.keywords,
	})
	p.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())

	name := t.Provider
	if name == "" {
		name = p.providerName
	}
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, name, "stt", "error")
		p.metrics.RecordProviderError(ctx, name, "stt")
		return stt.Transcript{}, err
	}
	if t.Provider == "" {
		t.Provider = p.providerName
	}
	p.metrics.RecordProviderRequest(ctx, name, "stt", "ok")
	return t, nil
}

// HasWarning reports whether res carries a warning of the given kind.
func (r Result) HasWarning(kind WarningKind) bool {
	for _, w := range r.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// Err joins all warnings into one error, or returns nil.
func (r Result) Err() error {
	errs := make([]error, len(r.Warnings))
	for i, w := range r.Warnings {
		errs[i] = w
	}
	return errors.Join(errs...)
}
