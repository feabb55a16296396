package speech_lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease is a held speech lock. Release must be called exactly once; further
// calls are no-ops.
type Lease struct {
	mu       sync.Mutex
	lock     *lockImpl
	state    State
	released bool
}

// State returns the lease record as written to disk.
func (le *Lease) State() State {
	le.mu.Lock()
	defer le.mu.Unlock()

	return le.state
}

// Release removes the lock file if this lease still owns it. A lease that was
// reclaimed after its deadline returns ErrNotHeld and leaves the new holder alone.
func (le *Lease) Release() error {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.released {
		return nil
	}

	le.released = true

	unlock, err := le.lock.waitGuard()
	if err != nil {
		return fmt.Errorf("speech lock release: %w", err)
	}

	defer unlock()

	if err = le.checkOwner(); err != nil {
		return err
	}

	le.lock.hook()

	if err = le.lock.fileSys.Remove(le.lock.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("speech lock release: %w", err)
	}

	return nil
}

// Refresh pushes the deadline one lease period past now.
func (le *Lease) Refresh() error {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.released {
		return ErrNotHeld
	}

	unlock, err := le.lock.waitGuard()
	if err != nil {
		return fmt.Errorf("speech lock refresh: %w", err)
	}

	defer unlock()

	if err = le.checkOwner(); err != nil {
		return err
	}

	le.lock.hook()

	next := le.state
	next.Deadline = le.lock.now().Add(le.lock.lease)

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}

	// write aside and rename so readers never see a partial record
	tmp := le.lock.path + ".refresh-" + uuid.NewString()

	f, err := le.lock.fileSys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("speech lock refresh: %w", err)
	}

	_, writeErr := f.Write(append(data, '\n'))

	if err = errors.Join(writeErr, f.Close()); err != nil {
		_ = le.lock.fileSys.Remove(tmp)

		return fmt.Errorf("speech lock refresh: %w", err)
	}

	if err = le.lock.fileSys.Rename(tmp, le.lock.path); err != nil {
		_ = le.lock.fileSys.Remove(tmp)

		return fmt.Errorf("speech lock refresh: %w", err)
	}

	le.state = next

	return nil
}

// KeepAlive refreshes the lease every interval until stop is called or the
// lease is lost. stop waits for the refresher to exit.
func (le *Lease) KeepAlive(every time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		ticker := time.NewTicker(max(every, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := le.Refresh(); err != nil {
					le.lock.logger.Warn("refreshing speech lock", "error", err)

					return
				}
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// checkOwner fails with ErrNotHeld unless the lock file carries this lease's
// token. Callers hold the guard.
func (le *Lease) checkOwner() error {
	current, err := le.lock.read(le.lock.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotHeld
	}

	if err != nil {
		return fmt.Errorf("speech lock: %w", err)
	}

	if current.Token != le.state.Token {
		le.lock.logger.Warn("lease was reclaimed by another holder",
			"deadline", le.state.Deadline, "new_holder_pid", current.HolderPID)

		return ErrNotHeld
	}

	return nil
}
