package endpoint

// entry is one ingested frame together with its verdict.
type entry struct {
	frame []byte
	mark  Mark
}

// buffer is the ordered (frame, mark) sequence for the in-progress turn. It
// is owned by exactly one [Session] and is never shared.
type buffer struct {
	entries []entry
}

// push copies frame into the buffer so the caller may reuse its slice.
func (b *buffer) push(frame []byte, mark Mark) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.entries = append(b.entries, entry{frame: cp, mark: mark})
}

func (b *buffer) len() int { return len(b.entries) }

// clear drops every entry and releases the backing array.
func (b *buffer) clear() { b.entries = nil }

// verdicts returns a fresh copy of the mark sequence.
func (b *buffer) verdicts() Verdicts {
	v := make(Verdicts, len(b.entries))
	for i, e := range b.entries {
		v[i] = e.mark
	}
	return v
}

// take moves the entries out of the buffer, leaving it empty.
func (b *buffer) take() []entry {
	out := b.entries
	b.entries = nil
	return out
}
