package trigger

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
)

func TestTrigger(t *testing.T) {
	t.Run("consume without a signal reports nothing", func(t *testing.T) {
		trig, err := New(&Config{FileSys: afero.NewMemMapFs(), Path: "/tmp/auto-listen.trigger"})
		if err != nil {
			t.Fatal(err)
		}

		raised, err := trig.Consume()
		if err != nil {
			t.Fatal(err)
		}

		if raised {
			t.Error("expected no trigger")
		}
	})

	t.Run("a signal is consumed exactly once", func(t *testing.T) {
		fs := afero.NewMemMapFs()

		trig, err := New(&Config{FileSys: fs, Path: "/tmp/auto-listen.trigger"})
		if err != nil {
			t.Fatal(err)
		}

		if err := trig.Signal(); err != nil {
			t.Fatal(err)
		}

		first, err := trig.Consume()
		if err != nil || !first {
			t.Fatalf("expected first consume to see the trigger, got %v %v", first, err)
		}

		second, err := trig.Consume()
		if err != nil || second {
			t.Fatalf("expected second consume to see nothing, got %v %v", second, err)
		}

		entries, _ := afero.ReadDir(fs, "/tmp")
		if len(entries) != 0 {
			t.Errorf("expected no leftover files, got %d", len(entries))
		}
	})

	t.Run("repeated signals collapse into one", func(t *testing.T) {
		trig, _ := New(&Config{FileSys: afero.NewMemMapFs(), Path: "/tmp/auto-listen.trigger"})

		_ = trig.Signal()
		_ = trig.Signal()

		first, _ := trig.Consume()
		second, _ := trig.Consume()

		if !first || second {
			t.Errorf("expected one consume, got %v %v", first, second)
		}
	})

	t.Run("racing consumers claim one signal once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "auto-listen.trigger")
		fs := afero.NewOsFs()

		trig, _ := New(&Config{FileSys: fs, Path: path})
		_ = trig.Signal()

		var (
			wg   sync.WaitGroup
			hits atomic.Int32
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				consumer, _ := New(&Config{FileSys: fs, Path: path})

				if raised, err := consumer.Consume(); err == nil && raised {
					hits.Add(1)
				}
			}()
		}

		wg.Wait()

		if hits.Load() != 1 {
			t.Errorf("expected exactly one consumer to see the trigger, got %d", hits.Load())
		}
	})
}
