// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: config/config.go
// Summary: System configuration store for texelsync.

package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const systemConfigName = "config.json"

// EnvConfigDir overrides the config directory when set (tests, daemons
// running under service managers).
const EnvConfigDir = "TEXELSYNC_CONFIG_DIR"

// Config holds every tunable the coordination layer reads.
type Config struct {
	SocketPath           string  `json:"socket_path"`
	DataDir              string  `json:"data_dir"`
	Shell                string  `json:"shell"`
	ResizeDebounceMs     int     `json:"resize_debounce_ms"`
	SmallBufferThreshold int     `json:"small_buffer_threshold"`
	HardwareAcceleration bool    `json:"hardware_acceleration"`
	FontFamily           string  `json:"font_family"`
	FontSize             int     `json:"font_size"`
	LetterSpacing        float64 `json:"letter_spacing"`
	RetentionWindow      int     `json:"retention_window"`
	PingIntervalMs       int     `json:"ping_interval_ms"`
}

var (
	mu      sync.RWMutex
	once    sync.Once
	system  Config
	loadErr error
)

// Default returns the built-in configuration.
func Default() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		SocketPath:           filepath.Join(os.TempDir(), "texelsync.sock"),
		Shell:                shell,
		ResizeDebounceMs:     250,
		SmallBufferThreshold: 1000,
		HardwareAcceleration: true,
		FontFamily:           "monospace",
		FontSize:             14,
		LetterSpacing:        0,
		RetentionWindow:      512,
		PingIntervalMs:       30000,
	}
}

// Err returns the most recent load error.
func Err() error {
	once.Do(initStore)
	mu.RLock()
	defer mu.RUnlock()
	return loadErr
}

// System returns the current configuration snapshot.
func System() Config {
	once.Do(initStore)
	mu.RLock()
	defer mu.RUnlock()
	return system
}

// SetSystem replaces the in-memory configuration.
func SetSystem(cfg Config) {
	once.Do(initStore)
	mu.Lock()
	defer mu.Unlock()
	system = cfg
}

// Reload re-reads the config file, falling back to defaults on error.
func Reload() error {
	once.Do(initStore)
	mu.Lock()
	defer mu.Unlock()
	loadErr = loadSystemLocked()
	return loadErr
}

// SaveSystem persists the current configuration to disk.
func SaveSystem() error {
	once.Do(initStore)
	mu.Lock()
	defer mu.Unlock()
	path, err := systemConfigPath()
	if err != nil {
		return err
	}
	return writeConfig(path, system)
}

// Path reports where the config file lives (created or not).
func Path() (string, error) {
	return systemConfigPath()
}

func initStore() {
	mu.Lock()
	defer mu.Unlock()
	loadErr = loadSystemLocked()
}

func loadSystemLocked() error {
	cfg := Default()
	path, err := systemConfigPath()
	if err != nil {
		log.Printf("config: cannot resolve config path: %v", err)
		system = cfg
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config: cannot read %s: %v", path, err)
			system = cfg
			return err
		}
		system = cfg
		return nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("config: cannot parse %s: %v", path, err)
		system = Default()
		return err
	}
	system = cfg
	return nil
}

func configRoot() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "texelsync"), nil
}

func systemConfigPath() (string, error) {
	root, err := configRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, systemConfigName), nil
}

func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
