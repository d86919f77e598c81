package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio/codec"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// conn is one WebSocket stream. The read loop owns the endpoint session;
// reply goroutines only touch the listening flags under mu.
type conn struct {
	h     *Handler
	ws    *websocket.Conn
	ctx   context.Context
	cfg   Config
	log   *slog.Logger
	dec   codec.Decoder
	voice vad.SessionHandle
	sess  *endpoint.Session

	mu              sync.Mutex
	listening       bool
	processing      bool
	resumeRequested bool
}

func (h *Handler) newConn(ctx context.Context, ws *websocket.Conn, cfg Config, remote string) (*conn, error) {
	dec, err := codec.New(cfg.Encoding, cfg.Endpoint.Format.SampleRate, cfg.Endpoint.Format.Channels)
	if err != nil {
		return nil, fmt.Errorf("server: create decoder: %w", err)
	}
	voice, err := h.vad.NewSession(cfg.vadConfig())
	if err != nil {
		return nil, fmt.Errorf("server: create vad session: %w", err)
	}
	sess, err := endpoint.NewSession(cfg.Endpoint, voice)
	if err != nil {
		voice.Close()
		return nil, fmt.Errorf("server: create endpoint session: %w", err)
	}
	return &conn{
		h:         h,
		ws:        ws,
		ctx:       ctx,
		cfg:       cfg,
		log:       observe.Logger(ctx).With("conn_id", uuid.NewString(), "remote", remote),
		dec:       dec,
		voice:     voice,
		sess:      sess,
		listening: true,
	}, nil
}

func (c *conn) close() {
	if err := c.voice.Close(); err != nil {
		c.log.Warn("server: close vad session", "err", err)
	}
}

func (c *conn) run() {
	c.log.Info("server: connection opened",
		"encoding", c.cfg.Encoding,
		"frame_ms", c.cfg.Endpoint.FrameDuration.Milliseconds(),
		"auto_resume", c.cfg.AutoResume,
	)
	if err := c.sendReady(); err != nil {
		c.log.Warn("server: send ready", "err", err)
		return
	}
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

func (c *conn) handleAudio(payload []byte) {
	c.mu.Lock()
	listening := c.listening
	c.mu.Unlock()
	if !listening {
		c.h.metrics.RecordFrames(c.ctx, "dropped", 1)
		return
	}

	pcm, err := c.dec.Decode(payload)
	if err != nil {
		c.h.metrics.RecordFrames(c.ctx, "malformed", 1)
		c.warn(WarnDecodeFailure, err)
		return
	}
	sig, err := c.sess.Ingest(pcm)
	if err != nil {
		c.h.metrics.RecordFrames(c.ctx, "malformed", 1)
		if errors.Is(err, endpoint.ErrMalformedFrame) {
			c.warn(WarnMalformedFrame, err)
		} else {
			c.log.Error("server: ingest failed", "err", err)
		}
		return
	}
	c.h.metrics.RecordFrames(c.ctx, "accepted", 1)

	if sig != endpoint.SignalUtteranceReady {
		return
	}
	a, err := c.sess.TakeFinalized()
	if err != nil {
		c.log.Error("server: take finalized turn", "err", err)
		return
	}
	c.dispatch(a, true)
}

func (c *conn) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.warn(WarnInvalidControl, fmt.Errorf("decode control message: %w", err))
		return
	}
	c.log.Debug("server: control message", "type", msg.Type)

	switch msg.Type {
	case CtlAudioEnded:
		c.mu.Lock()
		listening := c.listening
		c.mu.Unlock()
		if !listening {
			return
		}
		c.dispatch(c.sess.ForceFinalize(), true)

	case CtlTTSComplete, CtlResume:
		c.mu.Lock()
		resume := false
		switch {
		case c.processing:
			c.resumeRequested = true
		case !c.listening:
			c.listening = true
			resume = true
		}
		c.mu.Unlock()
		if resume {
			if err := c.sendReady(); err != nil {
				c.log.Warn("server: send ready", "err", err)
			}
		}

	case CtlReset:
		c.sess.Reset()

	default:
		c.warn(WarnInvalidControl, fmt.Errorf("unknown control message type %q", msg.Type))
	}
}

// dispatch stops listening and processes a in the background. The attempt is
// processed even if the connection goes away meanwhile.
func (c *conn) dispatch(a endpoint.Attempt, reply bool) {
	c.mu.Lock()
	c.listening = false
	c.processing = true
	c.mu.Unlock()

	c.log.Info("server: turn finalized",
		"cause", a.Cause.String(),
		"frames", len(a.Verdicts),
		"empty", a.Empty(),
	)

	ctx := context.WithoutCancel(c.ctx)
	c.h.inflight.Add(1)
	go func() {
		defer c.h.inflight.Done()
		res := c.h.proc.Process(ctx, a)
		if reply {
			c.deliver(res)
		}
	}()
}

func (c *conn) deliver(res turn.Result) {
	a := res.Attempt
	var msg any
	if a.Empty() {
		msg = NoUtteranceMessage{
			Type:     MsgNoUtterance,
			ID:       res.Record.ID.String(),
			Cause:    a.Cause.String(),
			Verdicts: a.Verdicts.String(),
		}
	} else {
		msg = UtteranceMessage{
			Type:       MsgUtterance,
			ID:         res.Record.ID.String(),
			Cause:      a.Cause.String(),
			Transcript: res.Record.Transcript,
			Provider:   res.Record.Provider,
			AudioRef:   res.Record.AudioRef,
			DurationMs: a.Utterance.Duration().Milliseconds(),
			Verdicts:   a.Verdicts.String(),
			Metrics:    res.Metrics,

			Corrections: res.Corrections,
		}
	}
	if err := c.write(msg); err != nil {
		c.log.Debug("server: reply not delivered", "err", err)
	}
	for _, w := range res.Warnings {
		if err := c.write(WarningMessage{Type: MsgWarning, Kind: string(w.Kind), Message: w.Err.Error()}); err != nil {
			c.log.Debug("server: warning not delivered", "kind", w.Kind, "err", err)
		}
	}

	c.mu.Lock()
	c.processing = false
	resume := c.cfg.AutoResume || c.resumeRequested
	c.resumeRequested = false
	if resume {
		c.listening = true
	}
	c.mu.Unlock()

	if resume {
		if err := c.sendReady(); err != nil {
			c.log.Debug("server: ready not delivered", "err", err)
		}
	}
}

// finish handles the end of the read loop. Anything still buffered while
// listening is force-finalized and processed without a reply.
func (c *conn) finish(readErr error) {
	c.mu.Lock()
	listening := c.listening
	c.mu.Unlock()
	if listening && c.sess.Len() > 0 {
		c.log.Info("server: finalizing buffered audio on disconnect", "frames", c.sess.Len())
		c.dispatch(c.sess.ForceFinalize(), false)
	}

	stats := c.sess.Stats()
	ctx := context.WithoutCancel(c.ctx)
	c.h.metrics.ClassifierFailures.Add(ctx, int64(stats.ClassifierFailures))
	c.h.metrics.NoiseResets.Add(ctx, int64(stats.NoiseResets))

	attrs := []any{
		"frames", stats.Frames,
		"malformed_frames", stats.MalformedFrames,
		"classifier_failures", stats.ClassifierFailures,
		"noise_resets", stats.NoiseResets,
	}
	switch status := websocket.CloseStatus(readErr); {
	case c.h.ctx.Err() != nil:
		c.log.Info("server: connection closed by shutdown", attrs...)
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.log.Info("server: connection closed", attrs...)
		c.ws.Close(websocket.StatusNormalClosure, "")
	default:
		c.log.Warn("server: connection lost", append(attrs, "err", readErr)...)
	}
}

func (c *conn) sendReady() error {
	return c.write(ReadyMessage{
		Type:          MsgReady,
		Encoding:      string(c.cfg.Encoding),
		SampleRate:    c.cfg.Endpoint.Format.SampleRate,
		Channels:      c.cfg.Endpoint.Format.Channels,
		FrameMs:       int(c.cfg.Endpoint.FrameDuration / time.Millisecond),
		PCMFrameBytes: c.cfg.Endpoint.FrameBytes(),
	})
}

func (c *conn) warn(kind string, err error) {
	c.log.Warn("server: "+kind, "err", err)
	if werr := c.write(WarningMessage{Type: MsgWarning, Kind: kind, Message: err.Error()}); werr != nil {
		c.log.Debug("server: warning not delivered", "kind", kind, "err", werr)
	}
}

func (c *conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal %T: %w", v, err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.h.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
