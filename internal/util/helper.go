// Package util provides small generic helpers shared across packages.
package util

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// JoinUint16 packs two bytes into a big-endian 16-bit register value.
func JoinUint16(hi, lo byte) uint16 {
	return uint16(hi)<<8 | uint16(lo)
}

// SplitUint16 splits a 16-bit register value into its big-endian bytes.
func SplitUint16(v uint16) (hi, lo byte) {
	return byte(v >> 8), byte(v)
}
