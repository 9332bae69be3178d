package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr zeroes buf.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically-secure random bytes.
func FillRandom(buf []byte) {
	fillRandom(buf, rand.Read)
}

func fillRandom(buf []byte, r func([]byte) (int, error)) {
	if _, err := r(buf); err != nil {
		panic(err)
	}

	// Defeats dead-store elimination; see golang/go#33325.
	runtime.KeepAlive(buf)
}

// GetRandBytes returns a new slice of n cryptographically-secure random bytes.
func GetRandBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
