// Package protectedmemory implements secret.Secret backed by a page-aligned,
// mlock'd, mprotect-guarded memory region. Access is forbidden by default;
// each WithBytes/WithBytesFunc call briefly flips the region readable,
// guarded by a reference count so concurrent readers don't fight over the
// page protection state.
package protectedmemory

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/keytower/keytower/pkg/log"
	"github.com/keytower/keytower/secret"
	"github.com/keytower/keytower/secret/internal/memcall"
	"github.com/keytower/keytower/secret/internal/secrets"
)

// AllocTimer records the time spent allocating a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.protectedmemory.alloctimer", nil)

type stringError string

func (e stringError) Error() string { return string(e) }

// ErrClosed is returned by any operation performed on a secret after Close
// has started.
const ErrClosed stringError = "secret: use of closed secret"

// protected contains sensitive memory and stores data in protected page(s).
// Always call Close after use to avoid leaking locked pages.
type protected struct {
	*state
	// dummy carries the finalizer so the finalizer doesn't keep protected
	// itself reachable (a self-referencing finalizer never fires).
	dummy *byte
}

// state is split out from protected so the finalizer can close the secret
// without holding a reference to protected (which would keep it alive).
type state struct {
	bytes []byte
	mc    memcall.Interface

	mu   sync.Mutex
	cond *sync.Cond

	accessCount int
	closing     bool
	closed      bool
}

// WithBytes grants temporary read access to the underlying bytes.
func (s *protected) WithBytes(action func([]byte) error) (err error) {
	if err = s.access(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// WithBytesFunc is WithBytes for actions that also return a value.
func (s *protected) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.access(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// IsClosed reports whether Close has completed.
func (s *protected) IsClosed() bool {
	return s.isClosed()
}

// NewReader returns an io.Reader over s.
func (s *protected) NewReader() io.Reader {
	return secrets.NewReader(s)
}

// access flips the region to read-only if this is the first concurrent
// accessor, then increments the access count.
func (s *state) access() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.closed {
		return errors.WithStack(ErrClosed)
	}

	if s.accessCount == 0 {
		if err := s.mc.Protect(s.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}

	s.accessCount++

	return nil
}

// release decrements the access count, flipping the region back to
// no-access once the last accessor releases.
func (s *state) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCount--

	if s.accessCount == 0 {
		if err := s.mc.Protect(s.bytes, memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

func (s *state) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *state) finalize() {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if !closing {
		log.Debugf("protectedmemory: secret finalized before Close was called")
	}

	_ = s.Close()
}

// Close wipes the region, unlocks and frees the pages. Idempotent; blocks
// until all in-flight WithBytes/WithBytesFunc calls complete.
func (s *state) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true

	for {
		if s.closed {
			return nil
		}

		if s.accessCount == 0 {
			return s.close()
		}

		s.cond.Wait()
	}
}

func (s *state) close() error {
	if err := s.mc.Protect(s.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	core.Wipe(s.bytes)

	if err := s.mc.Unlock(s.bytes); err != nil {
		return err
	}

	if err := s.mc.Free(s.bytes); err != nil {
		return err
	}

	s.bytes = nil
	s.closed = true

	secret.InUseCounter.Dec(1)

	return nil
}

// Factory creates protectedmemory-backed secret.Secret instances.
type Factory struct {
	mc memcall.Interface
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New copies b into a new protected secret and wipes b.
func (f *Factory) New(b []byte) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	sec, err := newProtected(len(b), f.memcall())
	if err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, sec.bytes, b)
	core.Wipe(b)

	if err := f.memcall().Protect(sec.bytes, memcall.NoAccess()); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), sec.bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, err
	}

	secret.AllocCounter.Inc(1)
	secret.InUseCounter.Inc(1)

	return sec, nil
}

// CreateRandom returns a protected secret filled with size bytes of CSPRNG output.
func (f *Factory) CreateRandom(size int) (secret.Secret, error) {
	return f.createRandom(size, rand.Read)
}

func (f *Factory) createRandom(size int, readFunc func([]byte) (int, error)) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	sec, err := newProtected(size, f.memcall())
	if err != nil {
		return nil, err
	}

	if _, err := readFunc(sec.bytes); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), sec.bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, err
	}

	if err := f.memcall().Protect(sec.bytes, memcall.NoAccess()); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), sec.bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, err
	}

	secret.AllocCounter.Inc(1)
	secret.InUseCounter.Inc(1)

	return sec, nil
}

func newProtected(size int, mc memcall.Interface) (*protected, error) {
	if size < 1 {
		return nil, errors.New("protectedmemory: invalid secret length")
	}

	buf, err := mc.Alloc(size)
	if err != nil {
		return nil, err
	}

	if err := mc.Lock(buf); err != nil {
		if freeErr := mc.Free(buf); freeErr != nil {
			err = errors.Wrap(err, freeErr.Error())
		}

		return nil, err
	}

	st := &state{
		mc:    mc,
		bytes: buf,
	}
	st.cond = sync.NewCond(&st.mu)

	p := &protected{
		state: st,
		dummy: new(byte),
	}

	runtime.SetFinalizer(p.dummy, func(*byte) {
		go st.finalize()
	})

	return p, nil
}

func (s *state) String() string {
	return fmt.Sprintf("protectedmemory.secret(%p)", s)
}
