// Package pipelinetest provides an in-process encoder that emits a canned
// H.264 Annex-B stream at the requested frame rate.
package pipelinetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/telemyapp/aegis-play/internal/model"
)

var (
	SPS   = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe8}
	PPS   = []byte{0x68, 0xce, 0x3c, 0x80}
	AUD   = []byte{0x09, 0xf0}
	Delta = []byte{0x41, 0x9a, 0x21, 0x6c, 0x42}
)

// IDR returns a keyframe slice with size payload bytes.
func IDR(size int) []byte {
	return append([]byte{0x65, 0x88}, bytes.Repeat([]byte{0x11}, size)...)
}

// Encoder writes one GOP (a keyframe and GOP-1 delta frames) per GOP frame
// periods, forever, until the reader is closed.
type Encoder struct {
	GOP      int
	IDRSize  int
	FailWith error

	starts atomic.Int32
	open   atomic.Int32
}

func (e *Encoder) Starts() int { return int(e.starts.Load()) }

// Open counts streams whose writer is still running.
func (e *Encoder) Open() int { return int(e.open.Load()) }

func (e *Encoder) Start(ctx context.Context, p model.StreamParams) (io.ReadCloser, error) {
	e.starts.Add(1)
	if e.FailWith != nil {
		return nil, e.FailWith
	}
	gop, idr := e.GOP, e.IDRSize
	if gop <= 0 {
		gop = 10
	}
	if idr <= 0 {
		idr = 3000
	}
	fps := p.FPS
	if fps <= 0 {
		fps = 60
	}
	interval := time.Second / time.Duration(fps)

	pr, pw := io.Pipe()
	e.open.Add(1)
	go func() {
		defer e.open.Add(-1)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			var frame []byte
			if i%gop == 0 {
				frame = annexB(AUD, SPS, PPS, IDR(idr))
			} else {
				frame = annexB(AUD, Delta)
			}
			if _, err := pw.Write(frame); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				_ = pw.CloseWithError(ctx.Err())
				return
			case <-ticker.C:
			}
		}
	}()
	return pr, nil
}

// ErrBusy is a convenient capture failure.
var ErrBusy = errors.New("capture device busy")

func annexB(nals ...[]byte) []byte {
	var b []byte
	for _, n := range nals {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}
