package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/photodate/internal/common"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type config struct {
	Workers  int    `yaml:"workers"`
	Backup   bool   `yaml:"backup"`
	DryRun   bool   `yaml:"dryRun"`
	AuditLog string `yaml:"auditLog"`
	OutDir   string `yaml:"outDir"`
	// StateDir receives per-run summaries and manifests.
	StateDir string `yaml:"stateDir"`
	// SigningKey, when set, is an RSA key used to sign run manifests.
	SigningKey string    `yaml:"signingKey"`
	Lang       string    `yaml:"lang"`
	Logs       logConfig `yaml:"logs"`
}

// loadConfig reads path, or returns defaults when path is empty. Relative
// paths in the file resolve against its directory.
func loadConfig(path string) (config, error) {
	var cfg config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		baseDir := filepath.Dir(path)
		resolvePath := func(p string) string {
			p = strings.TrimSpace(p)
			if p == "" || filepath.IsAbs(p) {
				return filepath.Clean(p)
			}
			return filepath.Clean(filepath.Join(baseDir, p))
		}
		for _, p := range []*string{&cfg.AuditLog, &cfg.OutDir, &cfg.StateDir, &cfg.SigningKey, &cfg.Logs.Directory} {
			if *p != "" {
				*p = resolvePath(*p)
			}
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *config) applyDefaults() {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "photodate-runs"
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = filepath.Join(cfg.StateDir, "audit.jsonl")
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
}

// setupLogging sends the package log to stderr and, when a log directory is
// configured, to a rotating file as well. The returned closer releases the
// file.
func setupLogging(cfg config, stderr io.Writer) (io.Closer, error) {
	if cfg.Logs.Directory == "" {
		common.SetLogOutput(stderr)
		return io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "photodate.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	common.SetLogOutput(io.MultiWriter(stderr, rotator))
	return rotator, nil
}
