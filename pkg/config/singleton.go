package config

import (
	"fmt"
	"reflect"
	"sync"
)

// ReloadHook observes a successful ReloadConfig. prev is the configuration
// that was replaced.
type ReloadHook func(prev, next *Config)

var (
	// current is the process-wide configuration.
	current *Config
	hooks   []ReloadHook

	configMutex sync.RWMutex
	initOnce    sync.Once
)

// Initialize loads configuration from path with environment overrides and
// stores it as the process-wide configuration. Only the first call has an
// effect.
func Initialize(path string) error {
	var initErr error
	initOnce.Do(func() {
		cfg, err := LoadConfigWithEnvOverrides(path)
		if err != nil {
			initErr = err
			return
		}
		configMutex.Lock()
		current = cfg
		configMutex.Unlock()
	})
	return initErr
}

// GetConfig returns the process-wide configuration, or nil before a
// successful Initialize.
func GetConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return current
}

// OnReload registers h to run after every successful ReloadConfig, in
// registration order.
func OnReload(h ReloadHook) {
	configMutex.Lock()
	defer configMutex.Unlock()
	hooks = append(hooks, h)
}

// ReloadConfig loads and validates path, makes it the process-wide
// configuration and runs the reload hooks. On failure the current
// configuration stays and no hook runs.
func ReloadConfig(path string) (*Config, error) {
	next, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload configuration: %w", err)
	}

	configMutex.Lock()
	prev := current
	current = next
	run := append([]ReloadHook(nil), hooks...)
	configMutex.Unlock()

	for _, h := range run {
		h(prev, next)
	}
	return next, nil
}

// ChangedSections returns the yaml names of the top-level sections that
// differ between a and b.
func ChangedSections(a, b *Config) []string {
	if a == nil || b == nil {
		if a == b {
			return nil
		}
		return []string{"*"}
	}
	va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
	t := va.Type()

	var changed []string
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			changed = append(changed, t.Field(i).Tag.Get("yaml"))
		}
	}
	return changed
}
