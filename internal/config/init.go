package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Format selects the file format written by WriteDefault
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON5 Format = "json5"
)

// WriteDefault writes the default configuration into dir unless a config
// file already exists there. It returns the path of the config file in
// effect and whether it was written by this call.
func WriteDefault(dir string, format Format) (string, bool, error) {
	for _, name := range FileNames {
		existing := filepath.Join(dir, name)
		if _, err := os.Stat(existing); err == nil {
			return existing, false, nil
		}
	}

	var (
		name string
		data []byte
		err  error
	)
	switch format {
	case FormatYAML, "":
		name = "sync-config.yaml"
		data, err = yaml.Marshal(Default())
	case FormatJSON5:
		name = "sync-config.json5"
		data, err = json.MarshalIndent(Default(), "", "  ")
		data = append(data, '\n')
	default:
		return "", false, fmt.Errorf("unknown config format %q (must be %s or %s)", format, FormatYAML, FormatJSON5)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to encode default config: %w", err)
	}

	path := filepath.Join(dir, name)
	// O_EXCL keeps a concurrently created file intact
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return path, false, nil
		}
		return "", false, fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}

	return path, true, nil
}
