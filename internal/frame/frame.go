// Package frame turns logical command/data payloads into bounded bus writes.
//
// Slices are written in one piece. Unbounded sequences are drained through a
// fixed staging buffer of StageLen elements, so streaming a whole framebuffer
// never needs more than a few dozen bytes of scratch memory.
package frame

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// StageLen is the staging buffer size, in elements, for every sequence
// variant. Word sequences therefore write at most 2*StageLen bytes at a time.
const StageLen = 32

// Writer is the part of a transaction-scoped bus handle Encode needs.
// Staging buffers are reused between writes, so Write must not retain p.
type Writer interface {
	Write(p []byte) error
}

// DataFormat is one payload shape. The set of variants is closed: U8, U16,
// U16LE, U16BE, U8Iter, U16LEIter and U16BEIter.
type DataFormat interface {
	dataFormat()
}

// U8 is a byte slice written as is.
type U8 []byte

// U16 is a word slice written in host byte order.
type U16 []uint16

// U16LE is a word slice written little-endian.
type U16LE []uint16

// U16BE is a word slice written big-endian.
type U16BE []uint16

// U8Iter is a byte sequence of unknown length.
type U8Iter iter.Seq[byte]

// U16LEIter is a word sequence of unknown length, written little-endian.
type U16LEIter iter.Seq[uint16]

// U16BEIter is a word sequence of unknown length, written big-endian.
type U16BEIter iter.Seq[uint16]

func (U8) dataFormat()        {}
func (U16) dataFormat()       {}
func (U16LE) dataFormat()     {}
func (U16BE) dataFormat()     {}
func (U8Iter) dataFormat()    {}
func (U16LEIter) dataFormat() {}
func (U16BEIter) dataFormat() {}

// Encode writes payload to w. Empty payloads produce no write.
//
// Encode panics on a nil or foreign DataFormat: that is a programming error,
// not a bus condition.
func Encode(w Writer, payload DataFormat) error {
	switch p := payload.(type) {
	case U8:
		return write(w, p)
	case U16:
		return writeWords(w, p, binary.NativeEndian)
	case U16LE:
		return writeWords(w, p, binary.LittleEndian)
	case U16BE:
		return writeWords(w, p, binary.BigEndian)
	case U8Iter:
		return streamBytes(w, iter.Seq[byte](p))
	case U16LEIter:
		return streamWords(w, iter.Seq[uint16](p), binary.LittleEndian)
	case U16BEIter:
		return streamWords(w, iter.Seq[uint16](p), binary.BigEndian)
	default:
		panic(fmt.Sprintf("frame: unsupported data format %T", payload))
	}
}

func write(w Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return w.Write(p)
}

// writeWords converts into a fresh buffer; the caller's words stay untouched.
func writeWords(w Writer, words []uint16, order binary.ByteOrder) error {
	if len(words) == 0 {
		return nil
	}
	buf := make([]byte, 2*len(words))
	for i, v := range words {
		order.PutUint16(buf[2*i:], v)
	}
	return w.Write(buf)
}

func streamBytes(w Writer, seq iter.Seq[byte]) error {
	if seq == nil {
		return nil
	}
	var stage [StageLen]byte
	n := 0
	for b := range seq {
		stage[n] = b
		n++
		if n == len(stage) {
			if err := w.Write(stage[:]); err != nil {
				return err
			}
			n = 0
		}
	}
	return write(w, stage[:n])
}

func streamWords(w Writer, seq iter.Seq[uint16], order binary.ByteOrder) error {
	if seq == nil {
		return nil
	}
	var stage [2 * StageLen]byte
	n := 0
	for v := range seq {
		order.PutUint16(stage[n:], v)
		n += 2
		if n == len(stage) {
			if err := w.Write(stage[:]); err != nil {
				return err
			}
			n = 0
		}
	}
	return write(w, stage[:n])
}

// Bytes is a convenience for sending command and parameter bytes.
func Bytes(b ...byte) U8 { return U8(b) }

// Repeat yields v n times.
func Repeat(v uint16, n int) iter.Seq[uint16] {
	return func(yield func(uint16) bool) {
		for i := 0; i < n; i++ {
			if !yield(v) {
				return
			}
		}
	}
}
