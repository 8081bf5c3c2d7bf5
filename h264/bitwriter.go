package h264

import (
	"math/bits"
)

// bitWriter writes an MSB-first RBSP bit string.
type bitWriter struct {
	buf []byte
	cur byte
	n   uint8
}

func newBitWriter(capacity int) *bitWriter {
	return &bitWriter{buf: make([]byte, 0, capacity)}
}

func (w *bitWriter) writeBit(b bool) {
	w.cur <<= 1
	if b {
		w.cur |= 1
	}
	w.n++
	if w.n == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.n = 0, 0
	}
}

// writeBits writes the low n bits of v.
func (w *bitWriter) writeBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(v>>uint(i)&1 == 1)
	}
}

// writeUE writes v as unsigned Exp-Golomb, ue(v).
func (w *bitWriter) writeUE(v uint32) {
	x := uint64(v) + 1
	l := bits.Len64(x)
	w.writeBits(0, l-1)
	w.writeBits(x, l)
}

// writeSE writes v as signed Exp-Golomb, se(v).
func (w *bitWriter) writeSE(v int32) {
	if v > 0 {
		w.writeUE(uint32(2*v - 1))
		return
	}
	w.writeUE(uint32(-2 * v))
}

func (w *bitWriter) aligned() bool {
	return w.n == 0
}

// alignZero pads with zero bits up to the next byte boundary.
func (w *bitWriter) alignZero() {
	for !w.aligned() {
		w.writeBit(false)
	}
}

// writeAligned appends raw bytes. The writer must be byte aligned.
func (w *bitWriter) writeAligned(p []byte) {
	w.buf = append(w.buf, p...)
}

// writeTrailing writes rbsp_trailing_bits.
func (w *bitWriter) writeTrailing() {
	w.writeBit(true)
	w.alignZero()
}

func (w *bitWriter) bytes() []byte {
	return w.buf
}

// emulationPrevent inserts emulation_prevention_three_byte wherever the RBSP
// would otherwise contain 0x000000-0x000003.
func emulationPrevent(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/32+1)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
