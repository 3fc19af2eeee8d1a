package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Assistant  AssistantConfig  `json:"assistant"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp"`
	Generation GenerationConfig `json:"generation"`
	Reminder   ReminderConfig   `json:"reminder"`
	History    HistoryConfig    `json:"history"`
	Storage    StorageConfig    `json:"storage"`
}

type AssistantConfig struct {
	Name string `json:"name"`
	// Timezone is the IANA reference timezone all reminder timestamps are
	// resolved into.
	Timezone string `json:"timezone"`
	// AllowedOwners is the static access list of phone-number-like
	// identifiers authorized to use the assistant.
	AllowedOwners []string `json:"allowed_owners"`
}

type WhatsAppConfig struct {
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"access_token"`
	VerifyToken   string `json:"verify_token"`
	AppSecret     string `json:"app_secret,omitempty"`
	APIVersion    string `json:"api_version,omitempty"`
	Port          int    `json:"port"`
}

type GenerationConfig struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	TimeoutSec   int    `json:"timeout_sec"`
}

type ReminderConfig struct {
	PollIntervalSec  int `json:"poll_interval_sec"`
	GraceWindowSec   int `json:"grace_window_sec"`
	MaxRetries       int `json:"max_retries"`
	RetryDelaySec    int `json:"retry_delay_sec"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

type HistoryConfig struct {
	ReplayLimit int `json:"replay_limit"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Assistant: AssistantConfig{
			Name:     "Recado",
			Timezone: "America/Bogota",
		},
		WhatsApp: WhatsAppConfig{
			APIVersion: "v21.0",
			Port:       10000,
		},
		Generation: GenerationConfig{
			Model:      "gpt-4o-mini",
			TimeoutSec: 60,
		},
		Reminder: ReminderConfig{
			PollIntervalSec:  15,
			GraceWindowSec:   300,
			MaxRetries:       3,
			RetryDelaySec:    30,
			SweepIntervalSec: 600,
		},
		History: HistoryConfig{
			ReplayLimit: 20,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join("output", "db"),
			LogDir:  filepath.Join("output", "logs"),
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Assistant.Name) == "" {
		cfg.Assistant.Name = "Recado"
	}
	if strings.TrimSpace(cfg.Assistant.Timezone) == "" {
		cfg.Assistant.Timezone = "America/Bogota"
	}
	if strings.TrimSpace(cfg.WhatsApp.APIVersion) == "" {
		cfg.WhatsApp.APIVersion = "v21.0"
	}
	if cfg.WhatsApp.Port <= 0 {
		cfg.WhatsApp.Port = 10000
	}
	if strings.TrimSpace(cfg.Generation.Model) == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.TimeoutSec <= 0 {
		cfg.Generation.TimeoutSec = 60
	}
	if cfg.Reminder.PollIntervalSec <= 0 {
		cfg.Reminder.PollIntervalSec = 15
	}
	if cfg.Reminder.GraceWindowSec <= 0 {
		cfg.Reminder.GraceWindowSec = 300
	}
	if cfg.Reminder.MaxRetries < 0 {
		cfg.Reminder.MaxRetries = 0
	}
	if cfg.Reminder.RetryDelaySec <= 0 {
		cfg.Reminder.RetryDelaySec = 30
	}
	if cfg.Reminder.SweepIntervalSec <= 0 {
		cfg.Reminder.SweepIntervalSec = 600
	}
	if cfg.History.ReplayLimit <= 0 {
		cfg.History.ReplayLimit = 20
	}
	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		cfg.Storage.DataDir = filepath.Join("output", "db")
	}
	if strings.TrimSpace(cfg.Storage.LogDir) == "" {
		cfg.Storage.LogDir = filepath.Join("output", "logs")
	}
}
