package endpoint

import "errors"

var (
	// ErrMalformedFrame is returned by Ingest when a frame does not have the
	// configured byte length. The frame is dropped and the session is not
	// modified.
	ErrMalformedFrame = errors.New("endpoint: malformed frame")

	// ErrSessionFinalized is returned by Ingest while a finalized turn is
	// waiting to be taken or reset.
	ErrSessionFinalized = errors.New("endpoint: session finalized")

	// ErrNotFinalized is returned by TakeFinalized when the session has not
	// signalled an utterance.
	ErrNotFinalized = errors.New("endpoint: no finalized turn")
)
