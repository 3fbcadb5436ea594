package driver

// SequenceTracker hands out single-byte sequence numbers and matches
// acknowledgements back to the request that carried them. A sequence is never
// reissued while a request holding it is outstanding.
//
// It is owned by the session loop and is not safe for concurrent use.
type SequenceTracker struct {
	next        uint8
	outstanding map[uint8]*request
}

// NewSequenceTracker returns an empty tracker starting at sequence 0.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{outstanding: make(map[uint8]*request)}
}

// Next returns the next free sequence number, wrapping at 256.
func (t *SequenceTracker) Next() (uint8, error) {
	for i := 0; i < 256; i++ {
		seq := t.next
		t.next++
		if _, busy := t.outstanding[seq]; !busy {
			return seq, nil
		}
	}
	return 0, ErrSequenceExhausted
}

// Track marks seq as outstanding for req.
func (t *SequenceTracker) Track(seq uint8, req *request) {
	t.outstanding[seq] = req
}

// Resolve removes and returns the request waiting on seq. ok is false for
// unsolicited or stale acknowledgements.
func (t *SequenceTracker) Resolve(seq uint8) (req *request, ok bool) {
	req, ok = t.outstanding[seq]
	if ok {
		delete(t.outstanding, seq)
	}
	return req, ok
}

// Clear forgets every outstanding request and returns them.
func (t *SequenceTracker) Clear() []*request {
	reqs := make([]*request, 0, len(t.outstanding))
	for seq, req := range t.outstanding {
		reqs = append(reqs, req)
		delete(t.outstanding, seq)
	}
	return reqs
}

// Outstanding reports how many sequences are currently held.
func (t *SequenceTracker) Outstanding() int {
	return len(t.outstanding)
}
