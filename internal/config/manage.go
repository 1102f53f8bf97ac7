package config

import (
	"fmt"
	"strconv"
)

// KeyValue is one effective configuration entry for display.
type KeyValue struct {
	Key   string
	Value string
}

// ShowAll returns the effective configuration as sorted key/value pairs.
// Secret values are masked.
func ShowAll(cfg Config) []KeyValue {
	out := make([]KeyValue, 0, len(specs))
	for _, key := range ValidKeys() {
		s, _ := specFor(key)
		val := s.extract(&cfg)
		if s.secret && val != "" {
			val = "********"
		}
		out = append(out, KeyValue{Key: key, Value: val})
	}
	return out
}

// SetKey validates and persists a single key to the default config file.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(configFilePath()), key, value)
}

func setKeyWith(b Backend, key, value string) error {
	s, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (run 'engram config list' for valid keys)", key)
	}
	switch s.kind {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", key, err)
		}
		return b.SetInt(key, i)
	case kBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s expects true or false: %w", key, err)
		}
		return b.SetString(key, value)
	case kFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%s expects a number: %w", key, err)
		}
		return b.SetString(key, value)
	default:
		return b.SetString(key, value)
	}
}

// UnsetKey removes a key from the config file, reverting it to the
// default on next load.
func UnsetKey(key string) error {
	s, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (run 'engram config list' for valid keys)", key)
	}
	return newFileBackend(configFilePath()).Delete(s.key)
}
