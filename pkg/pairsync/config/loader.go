package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat indicates a file extension with no decoder.
var ErrUnsupportedFormat = errors.New("unsupported config format")

type decoder func(data []byte, out *map[string]any) error

var decoders = map[string]decoder{
	"yaml": func(data []byte, out *map[string]any) error { return yaml.Unmarshal(data, out) },
	"json": func(data []byte, out *map[string]any) error { return json.Unmarshal(data, out) },
	"toml": func(data []byte, out *map[string]any) error {
		_, err := toml.Decode(string(data), out)
		return err
	},
}

var extensions = map[string]string{
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".toml": "toml",
}

func parse(format string, data []byte) (Config, error) {
	dec, ok := decoders[format]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	var m map[string]any
	if err := dec(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", format, err)
	}
	return New(m), nil
}

// FromFile loads a document, picking the decoder by extension
// (.yaml, .yml, .json, .toml).
func FromFile(path string) (Config, error) {
	format, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Config{}, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parse(format, data)
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) { return parse("yaml", data) }

// FromJSON parses a JSON document.
func FromJSON(data []byte) (Config, error) { return parse("json", data) }

// FromTOML parses a TOML document.
func FromTOML(data []byte) (Config, error) { return parse("toml", data) }

// LoadPair reads both sides of a pair from one file. Each side lives in
// its own table, named by low and high.
func LoadPair(path, low, high string) (Endpoint, Endpoint, error) {
	c, err := FromFile(path)
	if err != nil {
		return Endpoint{}, Endpoint{}, err
	}
	return PairFrom(c, low, high)
}
