// Package rmbsconfig loads service configuration: a base JSON file selected
// by OCP_ENV/CONFIG_PATH (as the original service does), layered with Viper
// so individual keys can be overridden by environment variables without
// touching the file.
package rmbsconfig

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the service-level settings that drive cmd/rmbsd and the
// simulation driver's defaults.
type Config struct {
	LogPath         string  `mapstructure:"LOG_PATH"`
	LogFile         string  `mapstructure:"LOG_FILE"`
	ListenAddr      string  `mapstructure:"LISTEN_ADDR"`
	HorizonPeriods  int     `mapstructure:"HORIZON_PERIODS"`
	DefaultCPR      float64 `mapstructure:"DEFAULT_CPR"`
	DefaultCDR      float64 `mapstructure:"DEFAULT_CDR"`
	DefaultSeverity float64 `mapstructure:"DEFAULT_SEVERITY"`
}

func defaults() Config {
	return Config{
		LogPath:         "./logs/",
		LogFile:         "rmbsd.log",
		ListenAddr:      "localhost:8080",
		HorizonPeriods:  60,
		DefaultCPR:      0.0,
		DefaultCDR:      0.0,
		DefaultSeverity: 0.35,
	}
}

// Load reads an optional .env file, a base config.json selected by
// OCP_ENV/CONFIG_PATH, then lets any RMBS_-prefixed environment variable
// override individual keys via Viper.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	cfg := defaults()

	configPathFile := "./config.json"
	if ocpEnv := os.Getenv("OCP_ENV"); ocpEnv != "" {
		configPathFile = os.Getenv("CONFIG_PATH") + "config.json"
	}

	if file, err := os.Open(configPathFile); err == nil {
		defer file.Close()
		raw := map[string]any{}
		if err := json.NewDecoder(file).Decode(&raw); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", configPathFile, err)
		}
		applyRawOverrides(&cfg, raw)
	} else {
		log.Printf("no config file at %s, using defaults", configPathFile)
	}

	v := viper.New()
	v.SetEnvPrefix("RMBS")
	v.AutomaticEnv()
	v.SetDefault("LOG_PATH", cfg.LogPath)
	v.SetDefault("LOG_FILE", cfg.LogFile)
	v.SetDefault("LISTEN_ADDR", cfg.ListenAddr)
	v.SetDefault("HORIZON_PERIODS", cfg.HorizonPeriods)
	v.SetDefault("DEFAULT_CPR", cfg.DefaultCPR)
	v.SetDefault("DEFAULT_CDR", cfg.DefaultCDR)
	v.SetDefault("DEFAULT_SEVERITY", cfg.DefaultSeverity)

	cfg.LogPath = v.GetString("LOG_PATH")
	cfg.LogFile = v.GetString("LOG_FILE")
	cfg.ListenAddr = v.GetString("LISTEN_ADDR")
	cfg.HorizonPeriods = v.GetInt("HORIZON_PERIODS")
	cfg.DefaultCPR = v.GetFloat64("DEFAULT_CPR")
	cfg.DefaultCDR = v.GetFloat64("DEFAULT_CDR")
	cfg.DefaultSeverity = v.GetFloat64("DEFAULT_SEVERITY")

	return cfg, nil
}

func applyRawOverrides(cfg *Config, raw map[string]any) {
	if v, ok := raw["LOG_PATH"].(string); ok {
		cfg.LogPath = v
	}
	if v, ok := raw["LOG_FILE"].(string); ok {
		cfg.LogFile = v
	}
	if v, ok := raw["LISTEN_ADDR"].(string); ok {
		cfg.ListenAddr = v
	}
	if v, ok := raw["HORIZON_PERIODS"].(float64); ok {
		cfg.HorizonPeriods = int(v)
	}
	if v, ok := raw["DEFAULT_CPR"].(float64); ok {
		cfg.DefaultCPR = v
	}
	if v, ok := raw["DEFAULT_CDR"].(float64); ok {
		cfg.DefaultCDR = v
	}
	if v, ok := raw["DEFAULT_SEVERITY"].(float64); ok {
		cfg.DefaultSeverity = v
	}
}
