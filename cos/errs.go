package cos

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Errs collects distinct errors from a fan-out operation (e.g. pipelined
// CRC verification across a worker pool) without blocking on every error.
type Errs struct {
	mu   sync.Mutex
	errs []error
	cnt  int64
}

const maxErrs = 8

// Add records err unless an error with the same message was already added,
// or the collector is already at capacity.
func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		atomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(atomic.LoadInt64(&e.cnt)) }

// JoinErr returns nil if nothing was added, else a single error joining
// every distinct error recorded (up to maxErrs).
func (e *Errs) JoinErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Errorf("%d error(s): %v", len(e.errs), joinMsgs(e.errs))
}

func joinMsgs(errs []error) string {
	s := ""
	for i, err := range errs {
		if i > 0 {
			s += "; "
		}
		s += err.Error()
	}
	return s
}
