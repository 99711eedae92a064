// Package config loads the YAML configuration for the obd2d daemon.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	Bus struct {
		Interface         string `yaml:"interface"`
		RefreshMS         uint32 `yaml:"refreshMs"`
		EnablePIDChaining bool   `yaml:"enablePidChaining"`
	} `yaml:"bus"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Monitor struct {
		// Enabled streams raw CAN frames to websocket clients in
		// addition to decoded request values.
		Enabled   bool   `yaml:"enabled"`
		Interface string `yaml:"interface"`
	} `yaml:"monitor"`

	Datastore struct {
		Enabled bool `yaml:"enabled"`
		SQLite  struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		InfluxDB struct {
			URL    string `yaml:"url"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
			Token  string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`

	Requests []RequestConfig `yaml:"requests"`
}

// RequestConfig declares one polled data point.
type RequestConfig struct {
	Name    string  `yaml:"name"`
	ECU     uint32  `yaml:"ecu"`
	Service byte    `yaml:"service"`
	PID     uint16  `yaml:"pid"`
	Formula string  `yaml:"formula"`
	Refresh bool    `yaml:"refresh"`
	Unit    string  `yaml:"unit"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// LoadConfig reads and parses the config file, applying defaults for
// omitted sections.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if config.Bus.Interface == "" {
		config.Bus.Interface = "can0"
	}
	if config.Bus.RefreshMS == 0 {
		config.Bus.RefreshMS = 1000
	}
	if config.Monitor.Interface == "" {
		config.Monitor.Interface = config.Bus.Interface
	}
	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}

	return &config, nil
}
