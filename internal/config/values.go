package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// mapKeys are the map-valued keys. Entries under them may be added freely,
// e.g. `config set worker.routes.<prefix> <command>` or
// `config set worker.env.<NAME> <value>`.
var mapKeys = []string{"worker.routes", "worker.env"}

func isMapEntry(key string) bool {
	for _, k := range mapKeys {
		if strings.HasPrefix(key, k+".") && len(key) > len(k)+1 {
			return true
		}
	}
	return false
}

// ToMap converts cfg into a nested map keyed like the YAML file.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as flat dot-separated keys, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored in the config file at path for key,
// falling back to the default. Environment overrides are not applied.
func GetValue(path, key string) (any, error) {
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the config file at path. The value is
// converted to the type of the key's current value, and the resulting file
// must still load.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	current, known := flat[key]
	if !known && !isMapEntry(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	typed, err := coerce(key, current, value)
	if err != nil {
		return err
	}
	flat[key] = typed
	pruneEmptyBranches(flat)

	data, err := yaml.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	check := Defaults()
	if err := yaml.Unmarshal(data, check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := parseDurations(check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeAtomic(path, data)
}

// readFlat returns the defaults overlaid with the file's contents, flattened.
// Keys present only in the file are kept.
func readFlat(path string) (map[string]any, error) {
	defaults, err := ToMap(Defaults())
	if err != nil {
		return nil, err
	}
	flat := Flatten(defaults)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return flat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	fileMap := make(map[string]any)
	if err := yaml.Unmarshal(data, &fileMap); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for k, v := range Flatten(fileMap) {
		flat[k] = v
	}
	pruneEmptyBranches(flat)
	return flat, nil
}

// pruneEmptyBranches drops empty-map leaves that now have children.
func pruneEmptyBranches(flat map[string]any) {
	for k, v := range flat {
		m, ok := v.(map[string]any)
		if !ok || len(m) != 0 {
			continue
		}
		for other := range flat {
			if strings.HasPrefix(other, k+".") {
				delete(flat, k)
				break
			}
		}
	}
}

func coerce(key string, current any, value string) (any, error) {
	switch current.(type) {
	case nil, string:
		return value, nil
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer: %w", key, err)
		}
		return n, nil
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false: %w", key, err)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects a number: %w", key, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%s is not a scalar; set its entries instead", key)
}
