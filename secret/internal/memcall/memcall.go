// Package memcall wraps the raw mmap/mlock/mprotect syscalls used to back a
// protected secret, so the protectedmemory package can be tested against a
// fake implementation without touching real memory protection.
package memcall

import "github.com/awnumar/memcall"

// MemoryProtectionFlag is re-exported from the underlying memcall package so
// callers of this package never need to import it directly.
type MemoryProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess returns the flag that forbids all access to a region.
func NoAccess() MemoryProtectionFlag { return memcall.NoAccess() }

// ReadOnly returns the flag that permits only reads.
func ReadOnly() MemoryProtectionFlag { return memcall.ReadOnly() }

// ReadWrite returns the flag that permits reads and writes.
func ReadWrite() MemoryProtectionFlag { return memcall.ReadWrite() }

// Interface is the set of low level memory operations a protected secret
// needs from the OS.
type Interface interface {
	Alloc(size int) ([]byte, error)
	Free([]byte) error
	Protect([]byte, MemoryProtectionFlag) error
	Lock([]byte) error
	Unlock([]byte) error
}

type wrapper struct{}

// Default wraps the real memcall package functions.
var Default Interface = &wrapper{}

func (*wrapper) Alloc(size int) ([]byte, error) { return memcall.Alloc(size) }

func (*wrapper) Protect(b []byte, mpf MemoryProtectionFlag) error { return memcall.Protect(b, mpf) }

func (*wrapper) Lock(b []byte) error { return memcall.Lock(b) }

func (*wrapper) Unlock(b []byte) error { return memcall.Unlock(b) }

func (*wrapper) Free(b []byte) error { return memcall.Free(b) }

// Clean unlocks and then frees b, stopping at and returning the first error
// encountered, if any (b is not freed when Unlock fails). Used when setup fails partway through and we need to
// release whatever was already allocated.
func Clean(mc Interface, b []byte) error {
	if err := mc.Unlock(b); err != nil {
		return err
	}

	return mc.Free(b)
}
