package ctx

import (
	"math"
	"math/bits"
)

// Graph files store per-color sequencing error rates as C long doubles: the
// x87 80-bit extended format padded to 16 bytes.  Layout (little-endian):
// bytes 0-7 the mantissa with an explicit integer bit at bit 63, bytes 8-9
// sign and 15-bit biased exponent, bytes 10-15 padding.  Go has no native
// type for it, so the conversion is spelled out here.

const extBias = 16383

func encodeLongDouble(f float64) (b [16]byte) {
	fb := math.Float64bits(f)
	sign := uint16(fb>>48) & 0x8000
	exp := int((fb >> 52) & 0x7ff)
	frac := fb & 0xfffffffffffff

	var (
		e80  uint16
		mant uint64
	)
	switch {
	case exp == 0x7ff: // inf or nan
		e80 = 0x7fff
		mant = 0x8000000000000000 | frac<<11
	case exp == 0 && frac == 0: // zero
	case exp == 0: // subnormal double
		lz := bits.LeadingZeros64(frac)
		mant = frac << uint(lz)
		e80 = uint16(15372 - lz)
	default:
		e80 = uint16(exp - 1023 + extBias)
		mant = 0x8000000000000000 | frac<<11
	}
	for i := 0; i < 8; i++ {
		b[i] = byte(mant >> uint(8*i))
	}
	se := sign | e80
	b[8] = byte(se)
	b[9] = byte(se >> 8)
	return b
}

func decodeLongDouble(b [16]byte) float64 {
	var mant uint64
	for i := 0; i < 8; i++ {
		mant |= uint64(b[i]) << uint(8*i)
	}
	se := uint16(b[8]) | uint16(b[9])<<8
	e80 := int(se & 0x7fff)
	neg := se&0x8000 != 0

	var f float64
	switch {
	case e80 == 0 && mant == 0:
		f = 0
	case e80 == 0x7fff:
		if mant<<1 != 0 { // any fraction bits -> nan
			return math.NaN()
		}
		f = math.Inf(1)
	default:
		f = math.Ldexp(float64(mant), e80-extBias-63)
	}
	if neg {
		f = -f
	}
	return f
}
