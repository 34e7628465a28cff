package config

import (
	"fmt"

	"github.com/knadh/koanf/providers/file"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file whenever it changes
type Watcher struct {
	provider *file.File
}

// Watch calls onChange with every valid configuration loaded after path
// changes. Invalid files are logged and skipped.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	provider := file.Provider(path)

	err := provider.Watch(func(event interface{}, err error) {
		if err != nil {
			logrus.Errorf("Config watch error: %v", err)
			return
		}

		cfg, err := Load(path)
		if err != nil {
			logrus.Errorf("Failed to reload config: %v", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			logrus.Errorf("Ignoring invalid config: %v", err)
			return
		}

		logrus.Infof("Reloaded configuration from %s", path)
		onChange(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	return &Watcher{provider: provider}, nil
}

// Close stops watching the file
func (w *Watcher) Close() error {
	return w.provider.Unwatch()
}
