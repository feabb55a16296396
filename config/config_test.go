package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func withModel(c *Config) {
	c.STT.ModelPath = "/models/ggml-medium.bin"
}

func TestDefaultValidation(t *testing.T) {
	t.Run("defaults are valid once a model is set", func(t *testing.T) {
		cfg := Default()
		withModel(cfg)

		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("defaults without a model cannot listen", func(t *testing.T) {
		cfg := Default()

		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := cfg.ValidateListen(); err == nil {
			t.Fatal("expected error for missing model path")
		}
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(*Config) {},
		},
		{
			name:        "max threshold below min threshold",
			mutate:      func(c *Config) { c.Noise.MaxThreshold = 100 },
			expectError: true,
			errorMsg:    "MaxThreshold",
		},
		{
			name:        "zero measured frames",
			mutate:      func(c *Config) { c.Noise.MeasureFrames = 0 },
			expectError: true,
			errorMsg:    "MeasureFrames",
		},
		{
			name:        "max frames not above min frames",
			mutate:      func(c *Config) { c.Recording.MaxFrames = 10 },
			expectError: true,
			errorMsg:    "MaxFrames",
		},
		{
			name:        "silence window longer than the recording cap",
			mutate:      func(c *Config) { c.Recording.SilenceFrames = 500 },
			expectError: true,
			errorMsg:    "silence_frames",
		},
		{
			name:        "lock timeout must be bounded",
			mutate:      func(c *Config) { c.Lock.Timeout = 0 },
			expectError: true,
			errorMsg:    "Timeout",
		},
		{
			name:        "lease shorter than a max-length capture",
			mutate:      func(c *Config) { c.Lock.Lease = 30 * time.Second },
			expectError: true,
			errorMsg:    "lock.lease",
		},
		{
			name: "shorter recordings fit a shorter lease",
			mutate: func(c *Config) {
				c.Lock.Lease = 30 * time.Second
				c.Recording.MaxFrames = 400
			},
		},
		{
			name:        "unknown detector",
			mutate:      func(c *Config) { c.Wake.Detector = "porcupine" },
			expectError: true,
			errorMsg:    "Detector",
		},
		{
			name:        "correlation detector needs a reference",
			mutate:      func(c *Config) { c.Wake.Detector = "correlation" },
			expectError: true,
			errorMsg:    "ReferencePath",
		},
		{
			name: "correlation detector with a reference",
			mutate: func(c *Config) {
				c.Wake.Detector = "correlation"
				c.Wake.ReferencePath = "/tmp/wake.wav"
			},
		},
		{
			name:        "wake threshold above one",
			mutate:      func(c *Config) { c.Wake.Threshold = 1.5 },
			expectError: true,
			errorMsg:    "Threshold",
		},
		{
			name:        "http dispatch needs a host",
			mutate:      func(c *Config) { c.Dispatch.Kind = "http" },
			expectError: true,
			errorMsg:    "HTTPHost",
		},
		{
			name: "http dispatch with a host",
			mutate: func(c *Config) {
				c.Dispatch.Kind = "http"
				c.Dispatch.HTTPHost = "http://localhost:8080"
			},
		},
		{
			name:        "retry prompts cannot be empty",
			mutate:      func(c *Config) { c.Playback.RetryPrompts = nil },
			expectError: true,
			errorMsg:    "RetryPrompts",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "Level",
		},
		{
			name:        "metrics address must be host:port",
			mutate:      func(c *Config) { c.Metrics.Address = "not an address" },
			expectError: true,
			errorMsg:    "Address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			withModel(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
				}

				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("yaml values override defaults and untouched fields keep them", func(t *testing.T) {
		fs := afero.NewMemMapFs()

		data := `
stt:
  model_path: /models/ggml-small.bin
  language: en
lock:
  timeout: 2s
noise:
  average_weight: 1.5
  peak_weight: 0.5
pipeline:
  max_attempts: 5
`
		if err := afero.WriteFile(fs, "/etc/listener.yaml", []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(fs, "/etc/listener.yaml")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.STT.Language != "en" {
			t.Errorf("expected language en, got %q", cfg.STT.Language)
		}

		if cfg.Lock.Timeout != 2*time.Second {
			t.Errorf("expected lock timeout 2s, got %v", cfg.Lock.Timeout)
		}

		if cfg.Lock.Lease != 45*time.Second {
			t.Errorf("expected default lease to survive, got %v", cfg.Lock.Lease)
		}

		if cfg.Noise.AverageWeight != 1.5 || cfg.Noise.PeakWeight != 0.5 {
			t.Errorf("unexpected weights %v/%v", cfg.Noise.AverageWeight, cfg.Noise.PeakWeight)
		}

		if cfg.Pipeline.MaxAttempts != 5 {
			t.Errorf("expected 5 attempts, got %d", cfg.Pipeline.MaxAttempts)
		}

		if cfg.Recording.MaxFrames != 469 {
			t.Errorf("expected default max frames, got %d", cfg.Recording.MaxFrames)
		}
	})

	t.Run("overrides are applied before validation", func(t *testing.T) {
		cfg, err := Load(afero.NewMemMapFs(), "", withModel)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.STT.ModelPath != "/models/ggml-medium.bin" {
			t.Errorf("override not applied: %q", cfg.STT.ModelPath)
		}
	})

	t.Run("correlation detector gets a default cooldown", func(t *testing.T) {
		cfg, err := Load(afero.NewMemMapFs(), "", withModel, func(c *Config) {
			c.Wake.Detector = "correlation"
			c.Wake.ReferencePath = "/tmp/wake.wav"
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Wake.Cooldown != 5*time.Second {
			t.Errorf("expected 5s cooldown, got %v", cfg.Wake.Cooldown)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(afero.NewMemMapFs(), "/nope.yaml"); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_ = afero.WriteFile(fs, "/bad.yaml", []byte("lock: [unclosed"), 0o644)

		if _, err := Load(fs, "/bad.yaml"); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestMaxCaptureDuration(t *testing.T) {
	t.Run("calibration and frame cap at 64ms per frame", func(t *testing.T) {
		// (3 + 5 + 469) frames * 1024 / 16000 s
		if got := Default().MaxCaptureDuration(); got != 30528*time.Millisecond {
			t.Errorf("expected 30.528s, got %v", got)
		}
	})
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := ExpandHome("~/.opencode-socket"); got != filepath.Join(home, ".opencode-socket") {
		t.Errorf("unexpected expansion %q", got)
	}

	if got := ExpandHome("/tmp/speech.lock"); got != "/tmp/speech.lock" {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestFrameDuration(t *testing.T) {
	a := AudioConfig{SampleRate: 16000, FrameSize: 1024}

	if got := a.FrameDuration(); got != 64*time.Millisecond {
		t.Errorf("expected 64ms, got %v", got)
	}
}
