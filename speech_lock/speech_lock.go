package speech_lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
)

const defaultPollInterval = 50 * time.Millisecond

// State is the on-disk lease record. Deadline is when the lease is abandoned.
type State struct {
	HolderPID  int       `json:"holder_pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	Deadline   time.Time `json:"deadline"`
}

// Expired reports whether the lease can be reclaimed at now.
func (s State) Expired(now time.Time) bool {
	return !now.Before(s.Deadline)
}

type lockImpl struct {
	fileSys      afero.Fs
	path         string
	lease        time.Duration
	pollInterval time.Duration
	pid          int
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics

	// called under the guard between the token check and the file operation
	// of Release and Refresh; tests only
	underGuard func()
}

type Config struct {
	FileSys afero.Fs
	Path    string
	// how long a holder may keep the lock before others may reclaim it
	Lease        time.Duration
	PollInterval time.Duration
	// PID recorded in the lease, defaults to os.Getpid()
	PID     int
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func New(cfg *Config) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.FileSys == nil {
		return nil, fmt.Errorf("fileSys is nil")
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("path is empty")
	}

	if cfg.Lease <= 0 {
		return nil, fmt.Errorf("lease must be positive, got %v", cfg.Lease)
	}

	l := &lockImpl{
		fileSys:      cfg.FileSys,
		path:         cfg.Path,
		lease:        cfg.Lease,
		pollInterval: cfg.PollInterval,
		pid:          cfg.PID,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}

	if l.pollInterval <= 0 {
		l.pollInterval = defaultPollInterval
	}

	if l.pid == 0 {
		l.pid = os.Getpid()
	}

	if l.now == nil {
		l.now = time.Now
	}

	if l.logger == nil {
		l.logger = logging.Component("speech_lock")
	}

	return l, nil
}

func (l *lockImpl) TryAcquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("speech lock: negative timeout %v", timeout)
	}

	giveUp := l.now().Add(timeout)

	for {
		lease, err := l.create()
		if err == nil {
			l.metrics.Lock("acquired")

			return lease, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			l.metrics.Lock("error")

			return nil, fmt.Errorf("speech lock: %w", err)
		}

		reclaimed, err := l.reclaimIfAbandoned()
		if err != nil {
			l.logger.Warn("could not reclaim abandoned lock", "error", err)
		}

		if reclaimed {
			continue
		}

		remaining := giveUp.Sub(l.now())
		if remaining <= 0 {
			l.metrics.Lock("timeout")

			return nil, fmt.Errorf("%w after %v", ErrLockTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			l.metrics.Lock("error")

			return nil, ctx.Err()
		case <-time.After(min(l.pollInterval, remaining)):
		}
	}
}

func (l *lockImpl) Holder() (*State, error) {
	state, err := l.read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	return state, err
}

func (l *lockImpl) Preempt(ctx context.Context, term Terminator, settle time.Duration) (bool, error) {
	lease, err := l.TryAcquire(ctx, 0)
	if err == nil {
		l.logger.Info("no one speaking, proceeding normally")

		return false, lease.Release()
	}

	if !errors.Is(err, ErrLockTimeout) {
		return false, err
	}

	holderPID := 0

	if state, holderErr := l.Holder(); holderErr == nil && state != nil {
		holderPID = state.HolderPID
	}

	l.logger.Warn("speech lock is held, stopping playback", "holder_pid", holderPID)

	term.Terminate(holderPID)
	l.metrics.Preempted()

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-time.After(settle):
	}

	return true, nil
}

// create atomically creates the lock file; it fails with fs.ErrExist when held.
func (l *lockImpl) create() (*Lease, error) {
	f, err := l.fileSys.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fs.ErrExist
		}

		return nil, err
	}

	now := l.now()
	state := State{
		HolderPID:  l.pid,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		Deadline:   now.Add(l.lease),
	}

	encErr := json.NewEncoder(f).Encode(state)
	closeErr := f.Close()

	if err = errors.Join(encErr, closeErr); err != nil {
		_ = l.fileSys.Remove(l.path)

		return nil, fmt.Errorf("writing lease: %w", err)
	}

	return &Lease{lock: l, state: state}, nil
}

// reclaimIfAbandoned removes a lease whose deadline passed. Reclaiming is
// serialized through a short-lived guard file so that a waiter never deletes a
// lease another waiter has just created.
func (l *lockImpl) reclaimIfAbandoned() (bool, error) {
	stale, err := l.abandonedState()
	if err != nil || stale == nil {
		return false, err
	}

	unlock, ok, err := l.tryGuard()
	if err != nil || !ok {
		return false, err
	}

	defer unlock()

	// re-check under the guard, the lease may have changed hands meanwhile
	current, err := l.abandonedState()
	if err != nil || current == nil || current.Token != stale.Token {
		return false, err
	}

	if err = l.fileSys.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	l.logger.Warn("reclaimed abandoned speech lock",
		"holder_pid", stale.HolderPID, "deadline", stale.Deadline)

	return true, nil
}

// tryGuard takes the guard file that serializes every check-then-act on the
// lock file. ok is false when someone else holds it.
func (l *lockImpl) tryGuard() (unlock func(), ok bool, err error) {
	guard := l.path + ".reclaim"

	g, err := l.fileSys.OpenFile(guard, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			l.clearAbandonedGuard(guard)

			return nil, false, nil
		}

		return nil, false, err
	}

	_ = g.Close()

	return func() { _ = l.fileSys.Remove(guard) }, true, nil
}

// waitGuard polls for the guard. Guards are held for one read and one file
// operation, and abandoned ones are cleared after a lease period.
func (l *lockImpl) waitGuard() (func(), error) {
	attempts := int(l.lease/l.pollInterval) + 2

	for i := 0; i < attempts; i++ {
		unlock, ok, err := l.tryGuard()
		if err != nil {
			return nil, err
		}

		if ok {
			return unlock, nil
		}

		time.Sleep(l.pollInterval)
	}

	return nil, fmt.Errorf("speech lock guard %s.reclaim stayed busy", l.path)
}

// clearAbandonedGuard removes a reclaim guard left by a crashed waiter.
func (l *lockImpl) clearAbandonedGuard(guard string) {
	info, err := l.fileSys.Stat(guard)
	if err != nil {
		return
	}

	if l.now().Sub(info.ModTime()) > l.lease {
		_ = l.fileSys.Remove(guard)
	}
}

// abandonedState returns the current lease when it may be reclaimed.
func (l *lockImpl) abandonedState() (*State, error) {
	state, err := l.read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		// unreadable record: the holder died mid-write, or is still writing
		info, statErr := l.fileSys.Stat(l.path)
		if statErr != nil {
			return nil, nil
		}

		if l.now().Sub(info.ModTime()) < l.lease {
			return nil, nil
		}

		return &State{Deadline: info.ModTime().Add(l.lease)}, nil
	}

	if !state.Expired(l.now()) {
		return nil, nil
	}

	return state, nil
}

func (l *lockImpl) read(path string) (*State, error) {
	data, err := afero.ReadFile(l.fileSys, path)
	if err != nil {
		return nil, err
	}

	var state State
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding lease %s: %w", path, err)
	}

	return &state, nil
}

func (l *lockImpl) hook() {
	if l.underGuard != nil {
		l.underGuard()
	}
}
