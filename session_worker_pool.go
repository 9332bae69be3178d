package keytower

import (
	"sync"
	"time"

	"github.com/keytower/keytower/pkg/log"
)

// sessionCleanupProcessor drains evicted SharedEncryptions through a single
// goroutine instead of spawning one goroutine per eviction, bounding
// goroutine growth under heavy session-cache churn.
type sessionCleanupProcessor struct {
	workChan chan *SharedEncryption
	done     chan struct{}
	once     sync.Once
}

func newSessionCleanupProcessor() *sessionCleanupProcessor {
	p := &sessionCleanupProcessor{
		workChan: make(chan *SharedEncryption, 10000),
		done:     make(chan struct{}),
	}

	go p.run()

	return p
}

func (p *sessionCleanupProcessor) run() {
	for {
		select {
		case enc := <-p.workChan:
			log.Debugf("processing session cleanup")
			enc.Remove()
		case <-p.done:
			for {
				select {
				case enc := <-p.workChan:
					enc.Remove()
				default:
					return
				}
			}
		}
	}
}

// submit queues enc for cleanup, falling back to a synchronous Remove if the
// queue is full or the processor has already been closed.
func (p *sessionCleanupProcessor) submit(enc *SharedEncryption) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("session cleanup processor closed, performing synchronous cleanup")
			enc.Remove()
		}
	}()

	select {
	case <-p.done:
		log.Debugf("session cleanup processor closed, performing synchronous cleanup")
		enc.Remove()

		return
	default:
	}

	select {
	case p.workChan <- enc:
	default:
		log.Debugf("session cleanup queue full, performing synchronous cleanup")
		enc.Remove()
	}
}

func (p *sessionCleanupProcessor) close() {
	p.once.Do(func() {
		close(p.done)
	})
}

// waitForEmpty blocks until the work queue drains, or about two seconds
// have passed, used by tests to synchronize on cleanup completion.
func (p *sessionCleanupProcessor) waitForEmpty() {
	for i := 0; i < 200; i++ {
		if len(p.workChan) == 0 {
			time.Sleep(time.Millisecond * 100)
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}

var (
	globalSessionCleanupProcessor     *sessionCleanupProcessor
	globalSessionCleanupProcessorOnce sync.Once
	globalSessionCleanupProcessorMu   sync.Mutex
)

func getSessionCleanupProcessor() *sessionCleanupProcessor {
	globalSessionCleanupProcessorOnce.Do(func() {
		globalSessionCleanupProcessor = newSessionCleanupProcessor()
	})

	return globalSessionCleanupProcessor
}

// resetGlobalSessionCleanupProcessor tears down and clears the shared
// processor. Test-only.
func resetGlobalSessionCleanupProcessor() {
	globalSessionCleanupProcessorMu.Lock()
	defer globalSessionCleanupProcessorMu.Unlock()

	if globalSessionCleanupProcessor != nil {
		globalSessionCleanupProcessor.close()
	}

	globalSessionCleanupProcessor = nil
	globalSessionCleanupProcessorOnce = sync.Once{}
}
