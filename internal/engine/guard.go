package engine

import "sync"

// TableGuard is the critical section around the tracked tables. A restore
// holds it from the first row cleared until its log replay is done, failed
// attempts included; every other writer, and the backup table capture, take
// it for their own duration.
type TableGuard struct {
	mu sync.Mutex
}

func (g *TableGuard) Lock()   { g.mu.Lock() }
func (g *TableGuard) Unlock() { g.mu.Unlock() }

// BackupLock keeps two backups from running at once. It never blocks:
// a second caller gets ErrLockContention and should retry later.
type BackupLock struct {
	mu sync.Mutex
}

// TryAcquire takes the lock or returns ErrLockContention.
func (l *BackupLock) TryAcquire() error {
	if !l.mu.TryLock() {
		return ErrLockContention
	}
	return nil
}

// Release gives the lock back.
func (l *BackupLock) Release() { l.mu.Unlock() }
