package segalloc

import "unsafe"

// A block is just the first word of a free user memory region reinterpreted
// as a singly-linked free-list node. There is no Go struct for it — taking
// the address of a live allocation and writing through it as a *uintptr is
// exactly what the teacher's gclinkptr (mlink in mfixalloc.go) does, so we
// follow that idiom rather than wrapping it in an exported type.

// blockNext reads the raw next-pointer word stored at the head of the
// memory at p.
func blockNext(p unsafe.Pointer) uintptr {
	return *(*uintptr)(p)
}

// setBlockNext writes the raw next-pointer word at the head of p.
func setBlockNext(p unsafe.Pointer, next uintptr) {
	*(*uintptr)(p) = next
}

// encodeNext obfuscates a next-pointer for storage in a block, XOR-ing it
// with the page's cookie when secure mode is enabled (spec §4.4/§9 "cookie
// endianness is host-native; no wire format is implied"). In non-secure mode
// this is the identity function.
func encodeNext(cookie uintptr, secure bool, next unsafe.Pointer) uintptr {
	raw := uintptr(next)
	if secure {
		raw ^= cookie
	}
	return raw
}

// decodeNext reverses encodeNext.
func decodeNext(cookie uintptr, secure bool, raw uintptr) unsafe.Pointer {
	if secure {
		raw ^= cookie
	}
	return unsafe.Pointer(raw)
}
