package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/busmaster/internal/common"
	"example.com/busmaster/internal/mdf"
	"example.com/busmaster/internal/report"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type replayConfig struct {
	Interface string  `yaml:"interface"`
	Speed     float64 `yaml:"speed"`
}

type reportConfig struct {
	Lang   string `yaml:"lang"`
	OutDir string `yaml:"outDir"`
}

type config struct {
	Bus       string       `yaml:"bus"`
	Project   string       `yaml:"project"`
	OutputLog string       `yaml:"outputLog"`
	Replay    replayConfig `yaml:"replay"`
	Report    reportConfig `yaml:"report"`
	Logs      logConfig    `yaml:"logs"`

	busType mdf.BusType
	lang    report.Language
}

// outputs is nil unless an output log is configured.
func (cfg config) outputs() *common.OutputLog {
	if cfg.OutputLog == "" {
		return nil
	}
	return common.NewOutputLog(cfg.OutputLog)
}

func defaultConfig() config {
	cfg := config{}
	if err := cfg.applyDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

func (cfg *config) applyDefaults() error {
	if cfg.Bus == "" {
		cfg.Bus = mdf.BusTypeCan.String()
	}
	busType, ok := mdf.ParseBusType(cfg.Bus)
	if !ok {
		return fmt.Errorf("unknown bus type %q", cfg.Bus)
	}
	cfg.busType = busType
	if cfg.Replay.Interface == "" {
		cfg.Replay.Interface = "vcan0"
	}
	if cfg.Replay.Speed < 0 {
		return fmt.Errorf("replay speed %g is negative", cfg.Replay.Speed)
	}
	if cfg.Replay.Speed == 0 {
		cfg.Replay.Speed = 1
	}
	lang, err := report.ParseLanguage(cfg.Report.Lang)
	if err != nil {
		return err
	}
	cfg.lang = lang
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return nil
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	cfg.Project = resolvePath(cfg.Project)
	if cfg.Logs.Directory != "" && !filepath.IsAbs(cfg.Logs.Directory) {
		cfg.Logs.Directory = filepath.Join(baseDir, cfg.Logs.Directory)
	}
	if cfg.OutputLog != "" && !filepath.IsAbs(cfg.OutputLog) {
		cfg.OutputLog = filepath.Join(baseDir, cfg.OutputLog)
	}
	if cfg.Report.OutDir != "" && !filepath.IsAbs(cfg.Report.OutDir) {
		cfg.Report.OutDir = filepath.Join(baseDir, cfg.Report.OutDir)
	}
	if err := cfg.applyDefaults(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// setupLogging adds a rotating log file next to stderr when a log directory
// is configured.
func setupLogging(cfg config) error {
	if cfg.Logs.Directory == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "busmaster.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	out := io.MultiWriter(os.Stderr, rotator)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	common.SetLogOutput(out)
	return nil
}
