package movementsensor

import "sync"

// LastError remembers recent results from a background loop. Once at least threshold of the
// last size results were errors, Get hands back the newest of them.
type LastError struct {
	size      int
	threshold int

	mu     sync.Mutex
	recent []error // oldest first
	count  int     // non-nil entries in recent
}

// NewLastError creates a LastError over a window of size results.
func NewLastError(size, threshold int) LastError {
	return LastError{size: size, threshold: threshold, recent: make([]error, size)}
}

// Set records one result. A nil err is a success.
func (le *LastError) Set(err error) {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.recent[0] != nil {
		le.count--
	}
	if err != nil {
		le.count++
	}
	le.recent = append(le.recent[1:], err)
}

// Get returns the newest error once the threshold is met, and clears the window so the same
// error is not reported twice.
func (le *LastError) Get() error {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.count < le.threshold || le.count == 0 {
		return nil
	}

	var newest error
	for i := len(le.recent) - 1; i >= 0; i-- {
		if le.recent[i] != nil {
			newest = le.recent[i]
			break
		}
	}

	le.recent = make([]error, le.size)
	le.count = 0
	return newest
}
