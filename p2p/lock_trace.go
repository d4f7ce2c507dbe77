package p2p

import (
	"runtime"
	"sync"
	"time"

	"github.com/sdbondi/tari-dan/lib"
)

// slowLockWait is the wait on the peer set lock after which the caller is logged
const slowLockWait = 100 * time.Millisecond

// lockPeerSet() acquires the peer set for writing, logging the caller of a slow acquisition
// the returned func releases the lock
func lockPeerSet(mux *sync.RWMutex, logger lib.LoggerI) func() {
	start := time.Now()
	mux.Lock()
	traceWait("lock", start, logger)
	return mux.Unlock
}

// rlockPeerSet() acquires the peer set for reading, see lockPeerSet()
func rlockPeerSet(mux *sync.RWMutex, logger lib.LoggerI) func() {
	start := time.Now()
	mux.RLock()
	traceWait("rlock", start, logger)
	return mux.RUnlock
}

func traceWait(kind string, start time.Time, logger lib.LoggerI) {
	wait := time.Since(start)
	if wait <= slowLockWait {
		return
	}
	if pc, file, line, ok := runtime.Caller(2); ok {
		logger.Warnf("Peer set %s wait: %s caller=%s:%d (%s)", kind, wait, file, line, runtime.FuncForPC(pc).Name())
		return
	}
	logger.Warnf("Peer set %s wait: %s", kind, wait)
}
