package speech_lock

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const lockPath = "/tmp/speech.lock"

func newLock(t *testing.T, fs afero.Fs, path string, pid int, lease time.Duration) Interface {
	t.Helper()

	l, err := New(&Config{
		FileSys:      fs,
		Path:         path,
		Lease:        lease,
		PollInterval: 10 * time.Millisecond,
		PID:          pid,
	})
	if err != nil {
		t.Fatal(err)
	}

	return l
}

func writeState(t *testing.T, fs afero.Fs, state State) {
	t.Helper()

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}

	if err = afero.WriteFile(fs, lockPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

type recordingTerminator struct {
	pids []int
}

func (r *recordingTerminator) Terminate(pid int) {
	r.pids = append(r.pids, pid)
}

func TestTryAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("free lock is acquired immediately and released cleanly", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		l := newLock(t, fs, lockPath, 100, time.Minute)

		lease, err := l.TryAcquire(ctx, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		holder, err := l.Holder()
		if err != nil || holder == nil {
			t.Fatalf("expected a holder, got %v, %v", holder, err)
		}

		if holder.HolderPID != 100 || holder.Token != lease.State().Token {
			t.Errorf("unexpected holder %+v", holder)
		}

		if !holder.Deadline.Equal(holder.AcquiredAt.Add(time.Minute)) {
			t.Errorf("deadline should be acquired_at + lease, got %+v", holder)
		}

		if err = lease.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}

		if holder, _ = l.Holder(); holder != nil {
			t.Errorf("expected free lock, got %+v", holder)
		}

		if err = lease.Release(); err != nil {
			t.Errorf("second release should be a no-op, got %v", err)
		}
	})

	t.Run("held lock times out after the configured timeout", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		holder := newLock(t, fs, lockPath, 1, time.Hour)
		waiter := newLock(t, fs, lockPath, 2, time.Hour)

		if _, err := holder.TryAcquire(ctx, 0); err != nil {
			t.Fatal(err)
		}

		const timeout = 150 * time.Millisecond

		start := time.Now()
		_, err := waiter.TryAcquire(ctx, timeout)
		elapsed := time.Since(start)

		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("expected ErrLockTimeout, got %v", err)
		}

		if elapsed < timeout || elapsed > timeout+500*time.Millisecond {
			t.Errorf("expected to give up after ~%v, took %v", timeout, elapsed)
		}
	})

	t.Run("zero timeout probes exactly once", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		holder := newLock(t, fs, lockPath, 1, time.Hour)
		waiter := newLock(t, fs, lockPath, 2, time.Hour)

		_, _ = holder.TryAcquire(ctx, 0)

		start := time.Now()
		if _, err := waiter.TryAcquire(ctx, 0); !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("expected ErrLockTimeout, got %v", err)
		}

		if time.Since(start) > 100*time.Millisecond {
			t.Error("zero-timeout probe should not wait")
		}
	})

	t.Run("negative timeout is rejected", func(t *testing.T) {
		l := newLock(t, afero.NewMemMapFs(), lockPath, 1, time.Hour)

		if _, err := l.TryAcquire(ctx, -time.Second); err == nil {
			t.Fatal("expected error for unbounded wait")
		}
	})

	t.Run("waiter acquires when the holder releases mid-wait", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		holder := newLock(t, fs, lockPath, 1, time.Hour)
		waiter := newLock(t, fs, lockPath, 2, time.Hour)

		lease, _ := holder.TryAcquire(ctx, 0)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = lease.Release()
		}()

		got, err := waiter.TryAcquire(ctx, 2*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got.State().HolderPID != 2 {
			t.Errorf("expected waiter to hold the lock, got %+v", got.State())
		}
	})

	t.Run("dead holder past its deadline is reclaimed without intervention", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeState(t, fs, State{
			HolderPID:  424242,
			Token:      "dead",
			AcquiredAt: time.Now().Add(-time.Minute),
			Deadline:   time.Now().Add(-time.Second),
		})

		waiter := newLock(t, fs, lockPath, 2, time.Hour)

		lease, err := waiter.TryAcquire(ctx, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if lease.State().Token == "dead" {
			t.Error("expected a fresh lease")
		}

		if exists, _ := afero.Exists(fs, lockPath+".reclaim"); exists {
			t.Error("reclaim guard left behind")
		}
	})

	t.Run("waiter succeeds once a dead holder's deadline elapses", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeState(t, fs, State{
			HolderPID:  424242,
			Token:      "dying",
			AcquiredAt: time.Now(),
			Deadline:   time.Now().Add(200 * time.Millisecond),
		})

		waiter := newLock(t, fs, lockPath, 2, time.Hour)

		start := time.Now()

		if _, err := waiter.TryAcquire(ctx, 2*time.Second); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Errorf("lease reclaimed before its deadline (%v)", elapsed)
		}
	})

	t.Run("unreadable record older than a lease is reclaimed", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_ = afero.WriteFile(fs, lockPath, []byte("{garbage"), 0o644)

		old := time.Now().Add(-time.Hour)
		_ = fs.Chtimes(lockPath, old, old)

		waiter := newLock(t, fs, lockPath, 2, time.Minute)

		if _, err := waiter.TryAcquire(ctx, 100*time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("fresh unreadable record is treated as held", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_ = afero.WriteFile(fs, lockPath, nil, 0o644)

		waiter := newLock(t, fs, lockPath, 2, time.Minute)

		if _, err := waiter.TryAcquire(ctx, 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("expected ErrLockTimeout, got %v", err)
		}
	})

	t.Run("cancelled context stops the wait", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		holder := newLock(t, fs, lockPath, 1, time.Hour)
		waiter := newLock(t, fs, lockPath, 2, time.Hour)

		_, _ = holder.TryAcquire(ctx, 0)

		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		if _, err := waiter.TryAcquire(cctx, 5*time.Second); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context error, got %v", err)
		}
	})
}

func TestConcurrentAcquire(t *testing.T) {
	t.Run("two processes never both hold the lock", func(t *testing.T) {
		fs := afero.NewOsFs()
		path := filepath.Join(t.TempDir(), "speech.lock")

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)

		for i := 0; i < 16; i++ {
			wg.Add(1)

			go func(pid int) {
				defer wg.Done()

				l := newLock(t, fs, path, pid, time.Hour)

				if _, err := l.TryAcquire(context.Background(), 0); err == nil {
					winners.Add(1)
				}
			}(i + 1)
		}

		wg.Wait()

		if winners.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners.Load())
		}
	})

	t.Run("competing reclaimers of one stale lease produce one holder", func(t *testing.T) {
		fs := afero.NewOsFs()
		path := filepath.Join(t.TempDir(), "speech.lock")

		data, _ := json.Marshal(State{HolderPID: 9, Token: "stale", Deadline: time.Now().Add(-time.Minute)})
		if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)

		for i := 0; i < 16; i++ {
			wg.Add(1)

			go func(pid int) {
				defer wg.Done()

				l := newLock(t, fs, path, pid, time.Hour)

				if _, err := l.TryAcquire(context.Background(), 0); err == nil {
					winners.Add(1)
				}
			}(i + 1)
		}

		wg.Wait()

		if winners.Load() > 1 {
			t.Fatalf("expected at most one winner, got %d", winners.Load())
		}
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("a reclaimed lease does not delete the new holder", func(t *testing.T) {
		fs := afero.NewMemMapFs()

		now := time.Now()
		clock := func() time.Time { return now }

		first, _ := New(&Config{FileSys: fs, Path: lockPath, Lease: time.Second, PID: 1, Now: clock})
		second, _ := New(&Config{FileSys: fs, Path: lockPath, Lease: time.Second, PID: 2, Now: clock})

		old, err := first.TryAcquire(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}

		now = now.Add(2 * time.Second)

		fresh, err := second.TryAcquire(ctx, 0)
		if err != nil {
			t.Fatalf("expected reclaim, got %v", err)
		}

		if err = old.Release(); !errors.Is(err, ErrNotHeld) {
			t.Fatalf("expected ErrNotHeld, got %v", err)
		}

		holder, _ := second.Holder()
		if holder == nil || holder.Token != fresh.State().Token {
			t.Errorf("new holder was disturbed: %+v", holder)
		}
	})

	t.Run("refresh extends the deadline", func(t *testing.T) {
		fs := afero.NewMemMapFs()

		now := time.Now()
		clock := func() time.Time { return now }

		l, _ := New(&Config{FileSys: fs, Path: lockPath, Lease: time.Second, PID: 1, Now: clock})

		lease, _ := l.TryAcquire(ctx, 0)
		token := lease.State().Token

		now = now.Add(800 * time.Millisecond)

		if err := lease.Refresh(); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		holder, _ := l.Holder()
		if !holder.Deadline.Equal(now.Add(time.Second)) || holder.Token != token {
			t.Errorf("unexpected record after refresh %+v", holder)
		}

		_ = lease.Release()

		if err := lease.Refresh(); !errors.Is(err, ErrNotHeld) {
			t.Errorf("refresh after release should fail, got %v", err)
		}
	})
}

func TestGuardedRelease(t *testing.T) {
	ctx := context.Background()

	// holder's lease has expired and a waiter tries to reclaim it right
	// between the holder's ownership check and its file operation
	setup := func(t *testing.T) (holder *Lease, holderLock *lockImpl, waiter Interface, advance func()) {
		t.Helper()

		fs := afero.NewMemMapFs()

		first, _ := New(&Config{FileSys: fs, Path: lockPath, Lease: 50 * time.Millisecond, PollInterval: time.Millisecond, PID: 1})
		second, _ := New(&Config{FileSys: fs, Path: lockPath, Lease: 50 * time.Millisecond, PollInterval: time.Millisecond, PID: 2})

		lease, err := first.TryAcquire(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}

		return lease, first.(*lockImpl), second, func() { time.Sleep(80 * time.Millisecond) }
	}

	t.Run("release never removes a lease created by a concurrent reclaimer", func(t *testing.T) {
		holder, holderLock, waiter, advance := setup(t)
		advance()

		var stolen *Lease

		holderLock.underGuard = func() {
			stolen, _ = waiter.TryAcquire(ctx, 0)
		}

		if err := holder.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}

		if stolen != nil {
			t.Fatal("waiter reclaimed the lock while release held the guard")
		}

		holderLock.underGuard = nil

		lease, err := waiter.TryAcquire(ctx, 0)
		if err != nil {
			t.Fatalf("lock should be free after release, got %v", err)
		}

		if state, _ := waiter.Holder(); state == nil || state.Token != lease.State().Token {
			t.Errorf("unexpected holder %+v", state)
		}
	})

	t.Run("refresh never overwrites a lease created by a concurrent reclaimer", func(t *testing.T) {
		holder, holderLock, waiter, advance := setup(t)
		advance()

		var stolen *Lease

		holderLock.underGuard = func() {
			stolen, _ = waiter.TryAcquire(ctx, 0)
		}

		if err := holder.Refresh(); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		if stolen != nil {
			t.Fatal("waiter reclaimed the lock while refresh held the guard")
		}

		holderLock.underGuard = nil

		// refreshed deadline is in the future again
		if _, err := waiter.TryAcquire(ctx, 0); !errors.Is(err, ErrLockTimeout) {
			t.Errorf("expected refreshed lease to hold, got %v", err)
		}

		if state, _ := waiter.Holder(); state == nil || state.Token != holder.State().Token {
			t.Errorf("holder record lost: %+v", state)
		}
	})
}

func TestKeepAlive(t *testing.T) {
	t.Run("a kept-alive lease outlives its lease period", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		holder := newLock(t, fs, lockPath, 1, 100*time.Millisecond)
		waiter := newLock(t, fs, lockPath, 2, 100*time.Millisecond)

		lease, err := holder.TryAcquire(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}

		stop := lease.KeepAlive(30 * time.Millisecond)

		// three lease periods of waiting
		if _, err := waiter.TryAcquire(context.Background(), 300*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("expected waiter to time out, got %v", err)
		}

		stop()
		stop()

		if err := lease.Release(); err != nil {
			t.Fatalf("release after keep-alive: %v", err)
		}
	})
}

func TestPreempt(t *testing.T) {
	ctx := context.Background()

	t.Run("free lock means no termination", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		l := newLock(t, fs, lockPath, 1, time.Hour)
		term := &recordingTerminator{}

		preempted, err := l.Preempt(ctx, term, time.Second)
		if err != nil || preempted {
			t.Fatalf("expected no preemption, got %v, %v", preempted, err)
		}

		if len(term.pids) != 0 {
			t.Errorf("terminator called: %v", term.pids)
		}

		if holder, _ := l.Holder(); holder != nil {
			t.Errorf("probe left the lock held: %+v", holder)
		}
	})

	t.Run("held lock terminates the holder and waits the settle interval", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		player := newLock(t, fs, lockPath, 777, time.Hour)
		listener := newLock(t, fs, lockPath, 1, time.Hour)
		term := &recordingTerminator{}

		_, _ = player.TryAcquire(ctx, 0)

		start := time.Now()

		preempted, err := listener.Preempt(ctx, term, 50*time.Millisecond)
		if err != nil || !preempted {
			t.Fatalf("expected preemption, got %v, %v", preempted, err)
		}

		if len(term.pids) != 1 || term.pids[0] != 777 {
			t.Errorf("expected holder 777 to be terminated, got %v", term.pids)
		}

		if time.Since(start) < 50*time.Millisecond {
			t.Error("settle interval skipped")
		}
	})
}
