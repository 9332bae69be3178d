// Package secrets provides small helpers shared by secret implementations.
package secrets

import "io"

// BytesAccessor is implemented by anything that can grant scoped byte access,
// such as a secret.Secret.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// Reader adapts a BytesAccessor to io.Reader, copying out one WithBytes
// window's worth of data per Read call.
type Reader struct {
	src BytesAccessor
	off int
}

// NewReader returns a Reader over src.
func NewReader(src BytesAccessor) *Reader {
	return &Reader{src: src}
}

// Read copies as much of the secret's remaining bytes into p as will fit.
func (r *Reader) Read(p []byte) (n int, err error) {
	readErr := r.src.WithBytes(func(b []byte) error {
		if r.off >= len(b) {
			err = io.EOF
			return nil
		}

		n = copy(p, b[r.off:])
		r.off += n

		return nil
	})
	if readErr != nil {
		return 0, readErr
	}

	return n, err
}
