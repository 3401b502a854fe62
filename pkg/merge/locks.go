package merge

import "sync"

// patientLocks serializes bundle writes per patient. Different patients
// proceed in parallel; two operations on the same patient queue behind one
// mutex so the load-modify-persist sequence never interleaves. Entries are
// reference-counted and evicted once the last holder releases, keeping the
// map bounded by in-flight patients rather than total patient cardinality.
type patientLocks struct {
	mu    sync.Mutex
	locks map[string]*patientLock
}

type patientLock struct {
	mu   sync.Mutex
	refs int
}

func newPatientLocks() *patientLocks {
	return &patientLocks{locks: make(map[string]*patientLock)}
}

func (l *patientLocks) acquire(patientID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[patientID]
	if !ok {
		lock = &patientLock{}
		l.locks[patientID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, patientID)
		}
		l.mu.Unlock()
	}
}
