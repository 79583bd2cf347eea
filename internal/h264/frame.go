package h264

import "time"

// Frame is one access unit: every NAL of a single coded picture plus any
// parameter sets and SEI that precede it.
type Frame struct {
	NALs     [][]byte
	Keyframe bool
	// PTS is the capture time relative to the start of the stream.
	PTS time.Duration
}

// Size is the number of NAL payload bytes in the frame.
func (f Frame) Size() int {
	n := 0
	for _, nal := range f.NALs {
		n += len(nal)
	}
	return n
}

// Framer groups a NAL stream into frames. A new frame begins on an access
// unit delimiter, on parameter sets or SEI following picture data, or on a
// slice whose first_mb_in_slice is zero.
type Framer struct {
	cur      Frame
	hasSlice bool
}

// Push adds one NAL and returns the previous frame when nal opens a new one.
func (f *Framer) Push(nal []byte) (Frame, bool) {
	var done Frame
	var ok bool
	if f.hasSlice && f.startsFrame(nal) {
		done, ok = f.cur, true
		f.cur = Frame{}
		f.hasSlice = false
	}
	switch t := Type(nal); {
	case t == TypeAUD:
		// delimiters carry nothing for the packetizer
		return done, ok
	case t == TypeIDR:
		f.cur.Keyframe = true
		f.hasSlice = true
	case t == TypeSlice:
		f.hasSlice = true
	}
	f.cur.NALs = append(f.cur.NALs, nal)
	return done, ok
}

// Boundary returns the pending frame when the next NAL, known only by its
// type, opens a new access unit. Encoders that end each frame with an AUD
// get their frames out without waiting for the next picture.
func (f *Framer) Boundary(next uint8) (Frame, bool) {
	switch next {
	case TypeAUD, TypeSEI, TypeSPS, TypePPS:
	default:
		return Frame{}, false
	}
	if !f.hasSlice {
		return Frame{}, false
	}
	done := f.cur
	f.Reset()
	return done, true
}

func (f *Framer) startsFrame(nal []byte) bool {
	switch Type(nal) {
	case TypeAUD, TypeSEI, TypeSPS, TypePPS:
		return true
	case TypeSlice, TypeIDR:
		mb, ok := FirstMBInSlice(nal)
		return ok && mb == 0
	}
	return false
}

// Flush returns the pending frame if it holds picture data.
func (f *Framer) Flush() (Frame, bool) {
	defer f.Reset()
	if !f.hasSlice {
		return Frame{}, false
	}
	return f.cur, true
}

func (f *Framer) Reset() {
	f.cur = Frame{}
	f.hasSlice = false
}
