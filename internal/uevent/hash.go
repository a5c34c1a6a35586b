package uevent

import (
	"encoding/binary"
)

// hash32 is MurmurHash2 with a zero seed. udev stores it in the message
// header for the subsystem and devtype so the kernel can filter on it.
func hash32(s string) uint32 {
	const (
		m = 0x5bd1e995
		r = 24
	)

	data := []byte(s)
	h := uint32(len(data))

	for len(data) >= 4 {
		k := binary.NativeEndian.Uint32(data)
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k

		data = data[4:]
	}

	switch len(data) {
	case 3:
		h ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return h
}

// bloom64 sets four bits derived from the hash of s.
func bloom64(s string) uint64 {
	h := hash32(s)
	var bits uint64
	bits |= 1 << (h & 63)
	bits |= 1 << ((h >> 6) & 63)
	bits |= 1 << ((h >> 12) & 63)
	bits |= 1 << ((h >> 18) & 63)
	return bits
}
