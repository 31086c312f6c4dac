package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodeConfig unmarshals an environment config from JSON, detecting
// duplicate service names that encoding/json would silently ignore.
func DecodeConfig(data []byte) (EnvironmentConfig, error) {
	var raw struct {
		Services map[string]json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return EnvironmentConfig{}, err
	}

	if err := checkDuplicateKeys(data, "services"); err != nil {
		return EnvironmentConfig{}, err
	}

	var cfg EnvironmentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return EnvironmentConfig{}, err
	}
	return cfg, nil
}

// LoadFile reads an environment config from a JSON or YAML file, chosen
// by extension (.json → JSON, anything else → YAML).
func LoadFile(path string) (EnvironmentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EnvironmentConfig{}, err
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		cfg, err := DecodeConfig(data)
		if err != nil {
			return EnvironmentConfig{}, fmt.Errorf("decode %s: %w", path, err)
		}
		return cfg, nil
	}

	var cfg EnvironmentConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return EnvironmentConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// checkDuplicateKeys checks whether the JSON object at the given field
// name contains duplicate keys. Returns an error if duplicates are found.
func checkDuplicateKeys(data []byte, field string) error {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil // not a JSON object — let standard unmarshal report it
	}

	fieldData, ok := outer[field]
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(fieldData))
	return checkObjectDuplicates(dec, field)
}

func checkObjectDuplicates(dec *json.Decoder, context string) error {
	t, err := dec.Token()
	if err != nil {
		return nil
	}
	delim, ok := t.(json.Delim)
	if !ok || delim != '{' {
		return nil // not an object
	}

	seen := make(map[string]bool)
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := t.(string)
		if !ok {
			return nil
		}
		if seen[key] {
			return fmt.Errorf("duplicate %s key: %q", context, key)
		}
		seen[key] = true

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil
		}
	}

	return nil
}

func sortedServiceKeys(services map[string]ServiceSpec) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
