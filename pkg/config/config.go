// Package config loads the optional YAML configuration file. Values here
// are the baseline; command-line flags override them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Video   VideoConfig   `yaml:"video"`
	Log     LogConfig     `yaml:"log"`
}

type SessionConfig struct {
	Model             string  `yaml:"model"`
	Voice             string  `yaml:"voice"`
	SystemInstruction string  `yaml:"system_instruction"`
	InitialMessage    string  `yaml:"initial_message"`
	InitialDelaySecs  float64 `yaml:"initial_delay_secs"`
	AudioOutput       *bool   `yaml:"audio_output"`
	TextOutput        bool    `yaml:"text_output"`
	Search            bool    `yaml:"search"`
	CodeExecution     bool    `yaml:"code_execution"`
}

type AudioConfig struct {
	Input          *bool `yaml:"input"`
	MicRate        int   `yaml:"mic_rate"`
	SpeakerRate    int   `yaml:"speaker_rate"`
	ChunkMillis    int   `yaml:"chunk_millis"`
	DisableSpeaker bool  `yaml:"disable_speaker"`
}

type VideoConfig struct {
	ScreenCaptureFPS float64 `yaml:"screen_capture_fps"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses path. Environment references in the file body
// ($VAR or ${VAR}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Session.Model == "" {
		c.Session.Model = "models/gemini-2.0-flash-exp"
	}
	if c.Session.Voice == "" {
		c.Session.Voice = "Charon"
	}
	if c.Session.AudioOutput == nil {
		on := true
		c.Session.AudioOutput = &on
	}
	if c.Audio.Input == nil {
		on := true
		c.Audio.Input = &on
	}
	if c.Audio.MicRate == 0 {
		c.Audio.MicRate = 16000
	}
	if c.Audio.SpeakerRate == 0 {
		c.Audio.SpeakerRate = 24000
	}
	if c.Audio.ChunkMillis == 0 {
		c.Audio.ChunkMillis = 50
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
