package trigger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

type triggerImpl struct {
	fileSys afero.Fs
	path    string
	now     func() time.Time
}

type Config struct {
	FileSys afero.Fs
	Path    string
	Now     func() time.Time
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

	t := &triggerImpl{
		fileSys: cfg.FileSys,
		path:    cfg.Path,
		now:     cfg.Now,
	}

	if t.now == nil {
		t.now = time.Now
	}

	return t, nil
}

// Signal raises the flag. Raising an already raised flag is a no-op.
func (t *triggerImpl) Signal() error {
	stamp := t.now().UTC().Format(time.RFC3339Nano) + "\n"

	if err := afero.WriteFile(t.fileSys, t.path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("raising trigger %s: %w", t.path, err)
	}

	return nil
}

// Consume claims the flag by renaming it to a unique name first, so two
// consumers racing on one Signal cannot both see it.
func (t *triggerImpl) Consume() (bool, error) {
	claimed := fmt.Sprintf("%s.%s", t.path, uuid.NewString())

	if err := t.fileSys.Rename(t.path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("claiming trigger %s: %w", t.path, err)
	}

	if err := t.fileSys.Remove(claimed); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("removing claimed trigger %s: %w", claimed, err)
	}

	return true, nil
}
