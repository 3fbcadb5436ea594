package protocol

// maxAsyncLength bounds the async DLEN accepted while scanning. Real async
// messages are far smaller; a larger value means we locked onto noise.
const maxAsyncLength = 1024

// Assembler reassembles device->host frames from BLE notification chunks.
// A notification may carry part of a frame, exactly one frame, or several
// frames back to back. Bytes preceding a start marker are discarded.
//
// Assembler does not verify checksums; DecodeInbound does that on each
// emitted frame. It is not safe for concurrent use.
type Assembler struct {
	buf []byte
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{buf: make([]byte, 0, 64)}
}

// Feed appends chunk to the stream and returns every complete raw frame now
// available, plus the number of garbage bytes skipped while resyncing.
func (a *Assembler) Feed(chunk []byte) (frames [][]byte, skipped int) {
	a.buf = append(a.buf, chunk...)
	for {
		n := a.syncToStart()
		skipped += n
		if len(a.buf) < 5 {
			return frames, skipped
		}
		total, ok := a.frameLength()
		if !ok {
			// Header is not plausible: drop SOP1 and rescan.
			a.buf = a.buf[1:]
			skipped++
			continue
		}
		if len(a.buf) < total {
			return frames, skipped
		}
		frame := make([]byte, total)
		copy(frame, a.buf[:total])
		frames = append(frames, frame)
		a.buf = a.buf[total:]
	}
}

// Reset discards any partially buffered frame.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// syncToStart drops bytes until buf begins with SOP1 followed by a valid
// SOP2, or a lone trailing SOP1. Returns the number of bytes dropped.
func (a *Assembler) syncToStart() int {
	dropped := 0
	for len(a.buf) > 0 {
		if a.buf[0] == SOP1 {
			if len(a.buf) == 1 || a.buf[1] == SOP2Answer || a.buf[1] == SOP2NoReply {
				break
			}
		}
		a.buf = a.buf[1:]
		dropped++
	}
	return dropped
}

func (a *Assembler) frameLength() (int, bool) {
	if a.buf[1] == SOP2Answer {
		dlen := int(a.buf[4])
		if dlen == 0 {
			return 0, false
		}
		return responseHeaderSize + dlen, true
	}
	dlen := int(a.buf[3])<<8 | int(a.buf[4])
	if dlen == 0 || dlen > maxAsyncLength {
		return 0, false
	}
	return asyncHeaderSize + dlen, true
}
