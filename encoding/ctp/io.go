package ctp

import (
	"io"

	"github.com/grailbio/cortex/graph"
)

type byteReader struct {
	r   io.Reader
	n   int64
	err error
	buf [8]byte
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

func (br *byteReader) u32() uint32 {
	b := br.read(4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (br *byteReader) u40() uint64 {
	b := br.read(5)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32
}

func (br *byteReader) u64() uint64 {
	b := br.read(8)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (br *byteReader) bytesN(n int) []byte {
	out := make([]byte, n)
	if br.err != nil {
		return out
	}
	m, err := io.ReadFull(br.r, out)
	br.n += int64(m)
	br.err = err
	return out
}

func (br *byteReader) lenString() string {
	n := br.u32()
	if br.err != nil {
		return ""
	}
	return string(br.bytesN(int(n)))
}

func (br *byteReader) wrap(name, what string) error {
	if br.err == nil {
		return nil
	}
	kind := graph.Io
	if br.err == io.EOF || br.err == io.ErrUnexpectedEOF {
		kind = graph.Truncated
	}
	return graph.WrapErr(kind, br.err, "%s: reading %s", name, what)
}

type byteWriter struct {
	w   io.Writer
	n   int64
	err error
	buf [8]byte
}

func (bw *byteWriter) bytes(b []byte) {
	if bw.err != nil {
		return
	}
	m, err := bw.w.Write(b)
	bw.n += int64(m)
	bw.err = err
}

func (bw *byteWriter) u32(v uint32) {
	for i := 0; i < 4; i++ {
		bw.buf[i] = byte(v >> uint(8*i))
	}
	bw.bytes(bw.buf[:4])
}

func (bw *byteWriter) u40(v uint64) {
	for i := 0; i < 5; i++ {
		bw.buf[i] = byte(v >> uint(8*i))
	}
	bw.bytes(bw.buf[:5])
}

func (bw *byteWriter) u64(v uint64) {
	for i := 0; i < 8; i++ {
		bw.buf[i] = byte(v >> uint(8*i))
	}
	bw.bytes(bw.buf[:8])
}

func (bw *byteWriter) lenString(s string) {
	bw.u32(uint32(len(s)))
	bw.bytes([]byte(s))
}
