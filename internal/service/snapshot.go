package service

import (
	"sync"

	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/scoring"
)

// loadedSnapshot counts the requests running against a snapshot. Once
// retired it takes no new holders, and its classifier is closed when the
// last holder releases it.
type loadedSnapshot struct {
	scoring.Snapshot
	log logging.Logger

	mu      sync.Mutex
	refs    int
	retired bool
	keep    bool
}

func newLoadedSnapshot(snap scoring.Snapshot, log logging.Logger) *loadedSnapshot {
	return &loadedSnapshot{Snapshot: snap, log: log}
}

// acquire fails once the snapshot has been retired.
func (l *loadedSnapshot) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.refs++
	return true
}

func (l *loadedSnapshot) release() {
	l.mu.Lock()
	l.refs--
	last := l.retired && l.refs == 0
	l.mu.Unlock()
	if last {
		if err := l.closeClassifier(); err != nil {
			l.log.Warn("closing retired classifier failed", logging.Error(err))
		}
	}
}

// retire closes the classifier now if no request holds the snapshot.
// keepClassifier is set when the replacement reuses the same classifier.
func (l *loadedSnapshot) retire(keepClassifier bool) error {
	l.mu.Lock()
	if l.retired {
		l.mu.Unlock()
		return nil
	}
	l.retired = true
	l.keep = keepClassifier
	idle := l.refs == 0
	l.mu.Unlock()
	if !idle {
		return nil
	}
	return l.closeClassifier()
}

func (l *loadedSnapshot) closeClassifier() error {
	if l.keep || l.Classifier == nil {
		return nil
	}
	return l.Classifier.Close()
}
