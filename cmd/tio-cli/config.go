package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pior/tio"
)

type fileConfig struct {
	Address     string `toml:"address"`
	DialTimeout string `toml:"dial_timeout"`
	LogLevel    string `toml:"log_level"`
	Pipelining  bool   `toml:"pipelining"`
	Metrics     string `toml:"metrics_address"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
}

type cliConfig struct {
	Address     string
	DialTimeout time.Duration
	LogLevel    zapcore.Level
	Pipelining  bool
	Metrics     string
	User        string
	Password    string
}

func defaultConfig() cliConfig {
	return cliConfig{
		Address:     fmt.Sprintf("localhost:%d", tio.DefaultPort),
		DialTimeout: 5 * time.Second,
		LogLevel:    zapcore.WarnLevel,
	}
}

func loadConfig(path string) (cliConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cliConfig{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}

	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}

	if meta.IsDefined("log_level") {
		level, err := zapcore.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	if meta.IsDefined("pipelining") {
		cfg.Pipelining = raw.Pipelining
	}
	if meta.IsDefined("metrics_address") {
		cfg.Metrics = strings.TrimSpace(raw.Metrics)
	}
	if meta.IsDefined("user") {
		cfg.User = raw.User
		cfg.Password = raw.Password
	}

	return cfg, nil
}

func (c cliConfig) logger() (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(c.LogLevel)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
