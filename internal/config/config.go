package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Auth struct {
		// Secret signs participant tokens.
		Secret   string `yaml:"secret"`
		TokenTTL string `yaml:"tokenTtl"` // default 6h
	} `yaml:"auth"`
	Session struct {
		TTL            string `yaml:"ttl"`            // default 6h
		ParticipantTTL string `yaml:"participantTtl"` // default 5m
		JoinCodeTTL    string `yaml:"joinCodeTtl"`    // default 6h
	} `yaml:"session"`
	Quiz struct {
		TTL string `yaml:"ttl"` // default 10m
	} `yaml:"quiz"`
	Limits struct {
		JoinAttempts   int    `yaml:"joinAttempts"`   // default 5
		JoinWindow     string `yaml:"joinWindow"`     // default 60s
		AnswerLockTTL  string `yaml:"answerLockTtl"`  // default 5m
		MessagesPerSec int    `yaml:"messagesPerSec"` // default 10
	} `yaml:"limits"`
	Guard struct {
		Enabled        bool    `yaml:"enabled"`
		WarnCPUPercent float64 `yaml:"warnCpuPercent"` // default 70
		CriticalCPU    float64 `yaml:"criticalCpu"`    // default 90
		WarnMemPercent float64 `yaml:"warnMemPercent"` // default 75
		CriticalMem    float64 `yaml:"criticalMem"`    // default 90
		RetryAfterSec  int     `yaml:"retryAfterSec"`  // default 30
		SampleInterval string  `yaml:"sampleInterval"` // default 5s
	} `yaml:"guard"`
	Timer struct {
		DefaultSeconds int `yaml:"defaultSeconds"` // default 30
	} `yaml:"timer"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// IntOr returns v unless it is zero, in which case fallback is used.
func IntOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// FloatOr returns v unless it is zero, in which case fallback is used.
func FloatOr(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
