// Package config loads and validates the listener configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config represents the complete listener configuration
type Config struct {
	Audio     AudioConfig     `yaml:"audio"`
	Noise     NoiseConfig     `yaml:"noise"`
	Recording RecordingConfig `yaml:"recording"`
	Lock      LockConfig      `yaml:"lock"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Wake      WakeConfig      `yaml:"wake"`
	STT       STTConfig       `yaml:"stt"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AudioConfig describes the microphone stream shared by the wake loop and the recorder
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate" validate:"gt=0"`
	FrameSize  int `yaml:"frame_size" validate:"gt=0"` // samples per read
}

// NoiseConfig controls the warm-up measurement and silence threshold policy
type NoiseConfig struct {
	DiscardFrames int     `yaml:"discard_frames" validate:"gte=0"`
	MeasureFrames int     `yaml:"measure_frames" validate:"gt=0"`
	AverageWeight float64 `yaml:"average_weight" validate:"gte=0"`
	PeakWeight    float64 `yaml:"peak_weight" validate:"gte=0"`
	MinThreshold  float64 `yaml:"min_threshold" validate:"gte=0"`
	MaxThreshold  float64 `yaml:"max_threshold" validate:"gtfield=MinThreshold"`
}

// RecordingConfig bounds a single command recording, in frames
type RecordingConfig struct {
	SilenceFrames int    `yaml:"silence_frames" validate:"gt=0"`
	MinFrames     int    `yaml:"min_frames" validate:"gte=0"`
	MaxFrames     int    `yaml:"max_frames" validate:"gtfield=MinFrames"`
	Dir           string `yaml:"dir"`
}

// LockConfig configures the cross-process speech lock
type LockConfig struct {
	Path           string        `yaml:"path" validate:"required"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	Lease          time.Duration `yaml:"lease" validate:"gt=0"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	SettleInterval time.Duration `yaml:"settle_interval" validate:"gte=0"`
}

// PipelineConfig controls the transcription retry loop
type PipelineConfig struct {
	MaxAttempts         int `yaml:"max_attempts" validate:"gt=0"`
	MinTranscriptLength int `yaml:"min_transcript_length" validate:"gte=0"`
}

// WakeConfig selects and tunes the wake word detector
type WakeConfig struct {
	Detector      string        `yaml:"detector" validate:"oneof=phrase correlation"`
	Threshold     float64       `yaml:"threshold" validate:"gte=0,lte=1"`
	Cooldown      time.Duration `yaml:"cooldown" validate:"gte=0"`
	Phrases       []string      `yaml:"phrases" validate:"required_if=Detector phrase"`
	Window        time.Duration `yaml:"window" validate:"gt=0"`
	ReferencePath string        `yaml:"reference_path" validate:"required_if=Detector correlation"`
}

// STTConfig selects the whisper model, only needed by the listener
type STTConfig struct {
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

// PlaybackConfig describes the external programs used for audible feedback
type PlaybackConfig struct {
	PlayerCommand    []string `yaml:"player_command" validate:"min=1"`
	TTSCommand       []string `yaml:"tts_command" validate:"min=1"`
	ConfirmationFile string   `yaml:"confirmation_file"`
	ConfirmationText string   `yaml:"confirmation_text"`
	RetryPrompts     []string `yaml:"retry_prompts" validate:"min=1"`
	KillProcesses    []string `yaml:"kill_processes"`
}

// DispatchConfig describes where transcribed commands are delivered
type DispatchConfig struct {
	Kind          string `yaml:"kind" validate:"oneof=kitty http"`
	SocketFile    string `yaml:"socket_file"`
	SocketGlob    string `yaml:"socket_glob"`
	WindowIDFile  string `yaml:"window_id_file" validate:"required_if=Kind kitty"`
	KittenCommand string `yaml:"kitten_command"`
	HTTPHost      string `yaml:"http_host" validate:"required_if=Kind http,omitempty,url"`
	Notify        bool   `yaml:"notify"`
}

// TriggerConfig locates the auto-listen flag file
type TriggerConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig enables the prometheus endpoint when Address is set
type MetricsConfig struct {
	Address string `yaml:"address" validate:"omitempty,hostname_port"`
}

// Default returns the configuration the listener runs with when no file is given.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate: 16000,
			FrameSize:  1024,
		},
		Noise: NoiseConfig{
			DiscardFrames: 3,
			MeasureFrames: 5,
			AverageWeight: 2.0,
			PeakWeight:    0,
			MinThreshold:  300,
			MaxThreshold:  1200,
		},
		Recording: RecordingConfig{
			SilenceFrames: 47,  // ~3s at 64ms per frame
			MinFrames:     10,  // ~0.6s
			MaxFrames:     469, // ~30s
		},
		Lock: LockConfig{
			Path:           "/tmp/speech.lock",
			Timeout:        10 * time.Second,
			Lease:          45 * time.Second, // longer than a max-length capture
			PollInterval:   50 * time.Millisecond,
			SettleInterval: time.Second,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:         3,
			MinTranscriptLength: 3,
		},
		Wake: WakeConfig{
			Detector:  "phrase",
			Threshold: 0.5,
			Phrases:   []string{"c m l", "cml"},
			Window:    2 * time.Second,
		},
		STT: STTConfig{
			Language: "cs",
		},
		Playback: PlaybackConfig{
			PlayerCommand:    []string{"mpg123", "-q"},
			TTSCommand:       []string{"~/cml/voice-output/text-to-speech.sh"},
			ConfirmationFile: "~/cml/voice-output/cache/ano-cml.mp3",
			ConfirmationText: "Ano?",
			RetryPrompts: []string{
				"Neslyšel jsem.",
				"Ano, ještě jednou.",
				"Nerozuměl jsem, zkuste to znovu.",
				"Prosím, zopakujte.",
			},
			KillProcesses: []string{"mpv", "ffplay", "play"},
		},
		Dispatch: DispatchConfig{
			Kind:          "kitty",
			SocketFile:    "~/.opencode-socket",
			SocketGlob:    "/tmp/kitty-socket-*",
			WindowIDFile:  "~/.opencode-window-id",
			KittenCommand: "kitten",
		},
		Trigger: TriggerConfig{
			Path: "/tmp/cml-auto-listen.trigger",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies overrides and
// validates the result.
func Load(fs afero.Fs, path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		o(cfg)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags on every section.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return err
	}

	if c.Recording.SilenceFrames >= c.Recording.MaxFrames {
		return fmt.Errorf("recording.silence_frames (%d) must be less than recording.max_frames (%d)",
			c.Recording.SilenceFrames, c.Recording.MaxFrames)
	}

	capture := c.MaxCaptureDuration()
	if c.Lock.Lease <= capture {
		return fmt.Errorf("lock.lease (%v) must exceed the longest capture (%v)", c.Lock.Lease, capture)
	}

	return nil
}

// MaxCaptureDuration is how long one recording may hold the speech lock:
// noise calibration plus the frame cap.
func (c *Config) MaxCaptureDuration() time.Duration {
	frames := c.Noise.DiscardFrames + c.Noise.MeasureFrames + c.Recording.MaxFrames

	return time.Duration(frames) * c.Audio.FrameDuration()
}

// ValidateListen checks what only the listen command needs.
func (c *Config) ValidateListen() error {
	if c.STT.ModelPath == "" {
		return fmt.Errorf("stt.model_path is required to listen")
	}

	return nil
}

// FrameDuration is the wall-clock length of one microphone read.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameSize) * time.Second / time.Duration(a.SampleRate)
}

// DefaultCooldown is the cooldown a detector kind gets when none is configured.
func DefaultCooldown(detector string) time.Duration {
	if detector == "correlation" {
		return 5 * time.Second
	}

	return 0
}

func (c *Config) expandPaths() {
	c.Recording.Dir = ExpandHome(c.Recording.Dir)
	c.Lock.Path = ExpandHome(c.Lock.Path)
	c.Wake.ReferencePath = ExpandHome(c.Wake.ReferencePath)
	c.STT.ModelPath = ExpandHome(c.STT.ModelPath)
	c.Playback.ConfirmationFile = ExpandHome(c.Playback.ConfirmationFile)
	c.Dispatch.SocketFile = ExpandHome(c.Dispatch.SocketFile)
	c.Dispatch.WindowIDFile = ExpandHome(c.Dispatch.WindowIDFile)
	c.Trigger.Path = ExpandHome(c.Trigger.Path)

	for i, arg := range c.Playback.TTSCommand {
		c.Playback.TTSCommand[i] = ExpandHome(arg)
	}

	if c.Wake.Cooldown == 0 {
		c.Wake.Cooldown = DefaultCooldown(c.Wake.Detector)
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
