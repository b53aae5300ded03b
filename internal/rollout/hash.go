package rollout

import (
	"crypto/sha1"
	"encoding/binary"
)

// Buckets is the number of rollout buckets; percentages map one bucket per point.
const Buckets = 100

// Bucket returns a deterministic bucket in [0, 100) for stickyValue and salt.
//
// Algorithm:
//  1. SHA-1(stickyValue + salt), sticky value first, no separator
//  2. first 4 digest bytes read as a big-endian uint32
//  3. modulo 100
//
// The result is identical across platforms and SDK ports for the same inputs.
func Bucket(stickyValue, salt string) int {
	sum := sha1.Sum([]byte(stickyValue + salt))
	return int(binary.BigEndian.Uint32(sum[:4]) % Buckets)
}
