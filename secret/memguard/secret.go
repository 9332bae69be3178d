// Package memguard implements a secret.Secret backed directly by
// memguard's own LockedBuffer, as an alternative to protectedmemory's
// lower-level memcall allocation. Prefer this backend when the host
// process already links memguard for other purposes and the extra
// indirection of protectedmemory's own mmap bookkeeping isn't needed.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/keytower/keytower/secret"
	"github.com/keytower/keytower/secret/internal/memcall"
	"github.com/keytower/keytower/secret/internal/secrets"
)

// AllocTimer records time spent allocating a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.memguard.alloctimer", nil)

type secretError string

func (e secretError) Error() string { return string(e) }

const (
	errCreateFailed secretError = "memguard buffer creation failed"
	errClosed       secretError = "secret has already been destroyed"
)

// lockedSecret wraps a memguard.LockedBuffer, applying the same
// access-counted mprotect flip protectedmemory uses so a shared secret is
// only readable while at least one caller holds it open.
type lockedSecret struct {
	buffer  *memguard.LockedBuffer
	mc      memcall.Interface
	mu      *sync.RWMutex
	cond    *sync.Cond
	closing bool
	access  int
}

// Factory constructs memguard-backed Secrets.
type Factory struct {
	mc memcall.Interface
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New copies b into a new memguard-backed Secret, wiping b.
func (f *Factory) New(b []byte) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return f.fromBuffer(memguard.NewBufferFromBytes(b))
}

// CreateRandom returns a memguard-backed Secret filled with size bytes of
// CSPRNG output.
func (f *Factory) CreateRandom(size int) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return f.fromBuffer(memguard.NewBufferRandom(size))
}

func (f *Factory) fromBuffer(lb *memguard.LockedBuffer) (*lockedSecret, error) {
	if !lb.IsAlive() {
		return nil, errors.WithStack(errCreateFailed)
	}

	if err := f.memcall().Protect(lb.Inner(), memcall.NoAccess()); err != nil {
		if err2 := memcall.Clean(f.memcall(), lb.Inner()); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	secret.AllocCounter.Inc(1)
	secret.InUseCounter.Inc(1)

	mu := new(sync.RWMutex)

	return &lockedSecret{
		buffer: lb,
		mc:     f.memcall(),
		mu:     mu,
		cond:   sync.NewCond(mu),
	}, nil
}

// WithBytes grants action a scoped, read-only view of the secret's bytes.
func (s *lockedSecret) WithBytes(action func([]byte) error) (err error) {
	if err = s.acquire(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
				return
			}

			err = errors.WithMessage(err, relErr.Error())
		}
	}()

	return action(s.buffer.Bytes())
}

// WithBytesFunc is WithBytes for actions that also produce a result.
func (s *lockedSecret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.acquire(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
				return
			}

			err = errors.WithMessage(err, relErr.Error())
		}
	}()

	return action(s.buffer.Bytes())
}

// IsClosed reports whether Close has completed.
func (s *lockedSecret) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.buffer.IsAlive()
}

// Close wipes and releases the underlying memory once every outstanding
// access has been released. Idempotent.
func (s *lockedSecret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true

	for {
		if !s.buffer.IsAlive() {
			return nil
		}

		if s.access == 0 {
			s.buffer.Destroy()
			secret.InUseCounter.Dec(1)

			return nil
		}

		s.cond.Wait()
	}
}

func (s *lockedSecret) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return errors.WithStack(errClosed)
	}

	if s.access == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}

	s.access++

	return nil
}

func (s *lockedSecret) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.access--

	if s.access == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

// NewReader returns an io.Reader over the secret's bytes.
func (s *lockedSecret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

var (
	_ secret.Secret  = (*lockedSecret)(nil)
	_ secret.Factory = (*Factory)(nil)
)
