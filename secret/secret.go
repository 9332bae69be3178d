// Package secret defines the container contract for sensitive byte slices:
// implementations keep key material out of swap, core dumps, and ordinary
// process memory reads for as long as possible, and guarantee a zeroing wipe
// on close. See the protectedmemory subpackage for the concrete
// implementation backing this module.
package secret

import (
	"io"

	metrics "github.com/rcrowley/go-metrics"
)

// AllocCounter tracks cumulative secret allocations. It only ever
// increases, unlike InUseCounter.
var AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

// InUseCounter tracks the number of secret objects currently allocated and
// not yet closed.
var InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)

// Secret holds sensitive bytes in a protected memory region. Always call
// Close after use; failing to do so leaks locked memory pages.
type Secret interface {
	// WithBytes grants the action function a temporary, scoped view of the
	// underlying bytes. The slice passed to action MUST NOT be retained
	// beyond the call; it may become unreadable or be wiped the instant
	// action returns.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for actions that also produce a result.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has completed.
	IsClosed() bool

	// Close wipes and releases the underlying memory. Idempotent.
	Close() error

	// NewReader returns an io.Reader over the secret's bytes.
	NewReader() io.Reader
}

// Factory constructs Secret instances.
type Factory interface {
	// New copies b into a new Secret and wipes b.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret filled with size bytes of CSPRNG output.
	CreateRandom(size int) (Secret, error)
}
