package ctx

import (
	"io"
	"strings"

	"github.com/grailbio/cortex/graph"
)

// byteReader accumulates little-endian field reads, remembering the first
// error and the byte count so callers can check once.
type byteReader struct {
	r   io.Reader
	n   int64
	err error
	buf [16]byte
}

func (br *byteReader) read(n int) []byte {
	if br.err != nil {
		return br.buf[:n]
	}
	m, err := io.ReadFull(br.r, br.buf[:n])
	br.n += int64(m)
	br.err = err
	return br.buf[:n]
}

func (br *byteReader) u8() uint8 { return br.read(1)[0] }

func (br *byteReader) u16() uint16 {
	b := br.read(2)
	return uint16(b[0]) | uint16(b[1])<<8
}

func (br *byteReader) u32() uint32 {
	b := br.read(4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (br *byteReader) u64() uint64 {
	b := br.read(8)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (br *byteReader) longDouble() float64 {
	var b [16]byte
	copy(b[:], br.read(16))
	return decodeLongDouble(b)
}

// magic consumes and checks one CORTEX magic word.
func (br *byteReader) magic() error {
	b := br.read(len(Magic))
	if br.err != nil {
		return br.wrap("magic word")
	}
	if string(b) != Magic {
		return graph.Errorf(graph.Malformed, "bad magic word %q (want %q)", b, Magic)
	}
	return nil
}

// lenString reads a u32 length followed by that many bytes.  An embedded NUL
// truncates the string with a warning, matching how C writers that
// over-declare the length are handled.
func (br *byteReader) lenString(h *Header, what string) string {
	n := br.u32()
	if br.err != nil {
		return ""
	}
	buf := make([]byte, n)
	m, err := io.ReadFull(br.r, buf)
	br.n += int64(m)
	if err != nil {
		br.err = err
		return ""
	}
	s := string(buf)
	if i := strings.IndexByte(s, 0); i >= 0 {
		h.warnf("%s has declared length %d but only %d chars (premature NUL)", what, n, i)
		s = s[:i]
	}
	return s
}

// wrap converts the accumulated error into a kinded error: short reads are
// Truncated, anything else Io.
func (br *byteReader) wrap(what string) error {
	if br.err == nil {
		return nil
	}
	kind := graph.Io
	if br.err == io.EOF || br.err == io.ErrUnexpectedEOF {
		kind = graph.Truncated
	}
	return graph.WrapErr(kind, br.err, "reading %s", what)
}

// byteWriter is the mirror of byteReader.
type byteWriter struct {
	w   io.Writer
	n   int64
	err error
	buf [16]byte
}

func (bw *byteWriter) bytes(b []byte) {
	if bw.err != nil {
		return
	}
	m, err := bw.w.Write(b)
	bw.n += int64(m)
	bw.err = err
}

func (bw *byteWriter) u8(v uint8) {
	bw.buf[0] = v
	bw.bytes(bw.buf[:1])
}

func (bw *byteWriter) bool8(v bool) {
	if v {
		bw.u8(1)
	} else {
		bw.u8(0)
	}
}

func (bw *byteWriter) u16(v uint16) {
	bw.buf[0], bw.buf[1] = byte(v), byte(v>>8)
	bw.bytes(bw.buf[:2])
}

func (bw *byteWriter) u32(v uint32) {
	for i := 0; i < 4; i++ {
		bw.buf[i] = byte(v >> uint(8*i))
	}
	bw.bytes(bw.buf[:4])
}

func (bw *byteWriter) u64(v uint64) {
	for i := 0; i < 8; i++ {
		bw.buf[i] = byte(v >> uint(8*i))
	}
	bw.bytes(bw.buf[:8])
}

func (bw *byteWriter) longDouble(f float64) {
	b := encodeLongDouble(f)
	bw.bytes(b[:])
}

func (bw *byteWriter) lenString(s string) {
	bw.u32(uint32(len(s)))
	bw.bytes([]byte(s))
}

func (bw *byteWriter) wrap(what string) error {
	return graph.WrapErr(graph.Io, bw.err, "%s", what)
}
