// Package h264 splits an Annex-B byte stream into NAL units and groups them
// into access units (frames).
package h264

import "bytes"

// NAL unit types used for framing decisions.
const (
	TypeSlice = 1
	TypeIDR   = 5
	TypeSEI   = 6
	TypeSPS   = 7
	TypePPS   = 8
	TypeAUD   = 9
)

var startCode = []byte{0, 0, 1}

// Type returns the nal_unit_type of a NAL without start code.
func Type(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1f
}

// IsSlice reports whether the NAL carries coded picture data.
func IsSlice(nal []byte) bool {
	t := Type(nal)
	return t == TypeSlice || t == TypeIDR
}

// Parser is a streaming Annex-B splitter. Start codes may be 3 or 4 bytes
// long and may straddle Push calls. Emitted NALs are copies and keep their
// emulation-prevention bytes.
type Parser struct {
	buf   []byte
	start int
}

func NewParser() *Parser { return &Parser{start: -1} }

// Push appends chunk and returns every NAL unit that is now known to be
// complete, i.e. followed by another start code.
func (p *Parser) Push(chunk []byte) [][]byte {
	from := len(p.buf) - 2
	if from < 0 {
		from = 0
	}
	if p.start > from {
		from = p.start
	}
	p.buf = append(p.buf, chunk...)

	var out [][]byte
	for {
		i := bytes.Index(p.buf[from:], startCode)
		if i < 0 {
			break
		}
		i += from
		if p.start >= 0 {
			if nal := trimTrailingZeros(p.buf[p.start:i]); len(nal) > 0 {
				out = append(out, bytes.Clone(nal))
			}
		}
		p.start = i + len(startCode)
		from = p.start
	}

	switch {
	case p.start > 0:
		n := copy(p.buf, p.buf[p.start:])
		p.buf = p.buf[:n]
		p.start = 0
	case p.start < 0 && len(p.buf) > 2:
		// Garbage before the first start code; keep a possible partial one.
		n := copy(p.buf, p.buf[len(p.buf)-2:])
		p.buf = p.buf[:n]
	}
	return out
}

// Flush returns the trailing NAL, if any, and resets the parser.
func (p *Parser) Flush() []byte {
	defer p.Reset()
	if p.start < 0 {
		return nil
	}
	nal := trimTrailingZeros(p.buf[p.start:])
	if len(nal) == 0 {
		return nil
	}
	return bytes.Clone(nal)
}

// Reset drops any buffered partial NAL.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.start = -1
}

// NextType is the type of the NAL still being buffered, known as soon as
// its header byte has arrived.
func (p *Parser) NextType() (uint8, bool) {
	if p.start < 0 || p.start >= len(p.buf) {
		return 0, false
	}
	return p.buf[p.start] & 0x1f, true
}

// Buffered is the number of bytes held for an incomplete NAL.
func (p *Parser) Buffered() int { return len(p.buf) }

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// Unescape removes emulation-prevention bytes (0x000003 → 0x0000) and
// returns the raw byte sequence payload.
func Unescape(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for _, b := range nal {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// FirstMBInSlice decodes first_mb_in_slice from a slice NAL. ok is false
// when nal is not a slice or is truncated.
func FirstMBInSlice(nal []byte) (mb uint, ok bool) {
	if !IsSlice(nal) || len(nal) < 2 {
		return 0, false
	}
	r := bitReader{data: Unescape(nal[1:])}
	return r.ue()
}

type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) bit() (uint, bool) {
	if r.pos >= len(r.data)*8 {
		return 0, false
	}
	b := (r.data[r.pos/8] >> (7 - uint(r.pos%8))) & 1
	r.pos++
	return uint(b), true
}

// ue reads an unsigned Exp-Golomb code.
func (r *bitReader) ue() (uint, bool) {
	zeros := 0
	for {
		b, ok := r.bit()
		if !ok {
			return 0, false
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, false
		}
	}
	var v uint
	for i := 0; i < zeros; i++ {
		b, ok := r.bit()
		if !ok {
			return 0, false
		}
		v = v<<1 | b
	}
	return (1 << uint(zeros)) - 1 + v, true
}
