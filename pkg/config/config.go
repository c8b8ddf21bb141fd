package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Persona struct {
		Name string `yaml:"name"`
	} `yaml:"persona"`
	ModelSettings struct {
		Temperature float64 `yaml:"temperature"`
		TopP        float64 `yaml:"top_p"`
	} `yaml:"model_settings"`
	Primary struct {
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"primary"`
	Secondary struct {
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"secondary"`
	Limits struct {
		HistoryLength     int `yaml:"history_length"`
		SessionTTLSeconds int `yaml:"session_ttl_seconds"`
		IdleSweepSeconds  int `yaml:"idle_sweep_seconds"`
		CacheTTLSeconds   int `yaml:"cache_ttl_seconds"`
		RateWindowSeconds int `yaml:"rate_window_seconds"`
		RateCount         int `yaml:"rate_count"`
		BanSeconds        int `yaml:"ban_seconds"`
	} `yaml:"limits"`
}

func defaults() *Config {
	config := &Config{}
	config.Persona.Name = "Kasumi"
	config.ModelSettings.Temperature = 1
	config.ModelSettings.TopP = 0.95
	config.Primary.Model = "gemini-2.0-flash"
	config.Primary.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	config.Secondary.Model = "meta-llama/llama-3.3-70b-instruct"
	config.Secondary.BaseURL = "https://openrouter.ai/api/v1"
	config.Limits.HistoryLength = 20
	config.Limits.SessionTTLSeconds = 3600
	config.Limits.IdleSweepSeconds = 3600
	config.Limits.CacheTTLSeconds = 300
	config.Limits.RateWindowSeconds = 1
	config.Limits.RateCount = 5
	config.Limits.BanSeconds = 60
	return config
}

func LoadConfig(path string) (*Config, error) {
	config := defaults()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return config, nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(file, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
