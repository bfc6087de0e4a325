package khash

import (
	"reflect"
	"unsafe"
)

// castToUint64s views an 8-byte-aligned byte slice as uint64s.  The byte
// slice must come from mmap so the mapping, not the GC, owns the memory.
func castToUint64s(data []byte) (u []uint64) {
	h := (*reflect.SliceHeader)(unsafe.Pointer(&u))
	h.Data = uintptr(unsafe.Pointer(&data[0]))
	h.Len = len(data) / 8
	h.Cap = h.Len
	return u
}
