// Package conf contains the configuration of the program.
package conf

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipemtx/pipemtx/internal/logger"
)

// Conf is the program configuration.
type Conf struct {
	// General
	LogLevel string `yaml:"logLevel" json:"logLevel"`

	// RTSP server
	RTSPAddress  string   `yaml:"rtspAddress" json:"rtspAddress"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`

	// Sessions
	WriteQueueSize   int      `yaml:"writeQueueSize" json:"writeQueueSize"`
	KeepAliveTimeout Duration `yaml:"keepAliveTimeout" json:"keepAliveTimeout"`

	// Control API
	API        bool   `yaml:"api" json:"api"`
	APIAddress string `yaml:"apiAddress" json:"apiAddress"`

	// Mounts
	Mounts map[string]*Mount `yaml:"mounts" json:"mounts"`
}

func (conf *Conf) setDefaults() {
	conf.LogLevel = "info"
	conf.RTSPAddress = ":8554"
	conf.ReadTimeout = Duration(10 * time.Second)
	conf.WriteTimeout = Duration(10 * time.Second)
	conf.WriteQueueSize = 512
	conf.KeepAliveTimeout = Duration(60 * time.Second)
	conf.APIAddress = "127.0.0.1:9997"
}

// Load loads a configuration from a file. An empty path returns the default
// configuration, without mounts.
func Load(fpath string) (*Conf, error) {
	conf := &Conf{}
	conf.setDefaults()

	if fpath != "" {
		byts, err := os.ReadFile(fpath)
		if err != nil {
			return nil, err
		}

		err = yaml.Unmarshal(byts, conf)
		if err != nil {
			return nil, err
		}
	}

	err := conf.Validate()
	if err != nil {
		return nil, err
	}

	return conf, nil
}

// Validate checks and normalizes the configuration.
func (conf *Conf) Validate() error {
	_, err := logger.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}

	if conf.ReadTimeout <= 0 {
		return fmt.Errorf("readTimeout must be greater than zero")
	}
	if conf.WriteTimeout <= 0 {
		return fmt.Errorf("writeTimeout must be greater than zero")
	}
	if conf.WriteQueueSize <= 0 {
		return fmt.Errorf("writeQueueSize must be greater than zero")
	}
	if conf.KeepAliveTimeout <= 0 {
		return fmt.Errorf("keepAliveTimeout must be greater than zero")
	}

	for _, name := range sortedMountNames(conf.Mounts) {
		err := conf.Mounts[name].Validate(name)
		if err != nil {
			return err
		}
	}

	return nil
}

// LogLevelParsed returns the log level as a logger.Level. Validate must have
// been called already.
func (conf *Conf) LogLevelParsed() logger.Level {
	level, _ := logger.ParseLevel(conf.LogLevel)
	return level
}

func sortedMountNames(mounts map[string]*Mount) []string {
	names := make([]string, 0, len(mounts))
	for name := range mounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
