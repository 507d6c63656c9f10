package crypto

import (
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	ChecksumCRC32 = "crc32"
	ChecksumCksum = "cksum"
)

// ChecksumFunc computes the 32-bit integrity value of a file's plaintext.
type ChecksumFunc func(data []byte) uint32

// NewChecksum resolves a configured algorithm name. An empty name selects
// crc32.
func NewChecksum(algorithm string) (ChecksumFunc, error) {
	switch strings.ToLower(algorithm) {
	case "", ChecksumCRC32:
		return crc32.ChecksumIEEE, nil
	case ChecksumCksum:
		return Cksum, nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", algorithm)
	}
}

var cksumTable = makeCksumTable()

func makeCksumTable() [256]uint32 {
	var table [256]uint32
	for i := range table {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		table[i] = c
	}
	return table
}

// Cksum is the POSIX cksum CRC: MSB-first CRC-32 over the data followed by
// its length in little-endian bytes, complemented.
func Cksum(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = crc<<8 ^ cksumTable[byte(crc>>24)^b]
	}
	for n := len(data); n > 0; n >>= 8 {
		crc = crc<<8 ^ cksumTable[byte(crc>>24)^byte(n)]
	}
	return ^crc
}
