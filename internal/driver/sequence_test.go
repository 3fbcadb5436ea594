package driver

import (
	"errors"
	"testing"
)

func TestSequenceWraps(t *testing.T) {
	tr := NewSequenceTracker()
	for i := 0; i < 256; i++ {
		seq, err := tr.Next()
		if err != nil {
			t.Fatal(err)
		}
		if int(seq) != i {
			t.Fatalf("step %d: got seq %d", i, seq)
		}
	}
	seq, _ := tr.Next()
	if seq != 0 {
		t.Errorf("after wrap: got %d, want 0", seq)
	}
}

func TestSequenceSkipsOutstanding(t *testing.T) {
	tr := NewSequenceTracker()
	held := &request{}
	tr.Track(1, held)
	tr.Track(2, held)

	seq, _ := tr.Next()
	if seq != 0 {
		t.Fatalf("got %d, want 0", seq)
	}
	seq, _ = tr.Next()
	if seq != 3 {
		t.Fatalf("got %d, want 3 (1 and 2 outstanding)", seq)
	}
}

func TestSequenceNeverCollides(t *testing.T) {
	tr := NewSequenceTracker()
	outstanding := map[uint8]bool{}
	for i := 0; i < 2000; i++ {
		seq, err := tr.Next()
		if err != nil {
			t.Fatal(err)
		}
		if outstanding[seq] {
			t.Fatalf("iteration %d: seq %d reissued while outstanding", i, seq)
		}
		tr.Track(seq, &request{})
		outstanding[seq] = true
		// Keep a sliding window of 200 outstanding requests.
		if len(outstanding) > 200 {
			for s := range outstanding {
				tr.Resolve(s)
				delete(outstanding, s)
				break
			}
		}
	}
}

func TestSequenceExhausted(t *testing.T) {
	tr := NewSequenceTracker()
	for i := 0; i < 256; i++ {
		tr.Track(uint8(i), &request{})
	}
	if _, err := tr.Next(); !errors.Is(err, ErrSequenceExhausted) {
		t.Fatalf("got %v, want ErrSequenceExhausted", err)
	}
	tr.Resolve(77)
	seq, err := tr.Next()
	if err != nil || seq != 77 {
		t.Errorf("got %d, %v; want 77", seq, err)
	}
}

func TestSequenceResolve(t *testing.T) {
	tr := NewSequenceTracker()
	req := &request{}
	tr.Track(9, req)

	got, ok := tr.Resolve(9)
	if !ok || got != req {
		t.Fatal("expected tracked request")
	}
	if _, ok := tr.Resolve(9); ok {
		t.Error("second resolve should miss")
	}
	if _, ok := tr.Resolve(10); ok {
		t.Error("unsolicited sequence should miss")
	}
}

func TestSequenceClear(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Track(1, &request{})
	tr.Track(2, &request{})
	if got := len(tr.Clear()); got != 2 {
		t.Errorf("cleared %d, want 2", got)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("outstanding after clear: %d", tr.Outstanding())
	}
}
