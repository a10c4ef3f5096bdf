package routes

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/gatekeeper/identity"
)

//go:embed default_routes.yaml
var defaultRoutesYAML []byte

// Config is the on-disk form of a route table.
type Config struct {
	Bypass struct {
		Prefixes   []string `yaml:"prefixes"`
		Extensions []string `yaml:"extensions"`
	} `yaml:"bypass"`
	Public struct {
		Exact    []string `yaml:"exact"`
		Prefixes []string `yaml:"prefixes"`
	} `yaml:"public"`
	Landing map[identity.Role]string `yaml:"landing"`
	Routes  []RouteConfig            `yaml:"routes"`
}

// Decode reads a Config from r. Unknown fields are an error.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, errors.New("empty route configuration")
		}
		return cfg, fmt.Errorf("decoding routes: %w", err)
	}
	return cfg, nil
}

// Load builds a Table from YAML.
func Load(r io.Reader) (*Table, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return NewTable(cfg)
}

// LoadFile builds a Table from the YAML file at path. An empty path loads
// the built-in table.
func LoadFile(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening routes file: %w", err)
	}
	defer f.Close()
	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Default returns the built-in table.
func Default() (*Table, error) {
	return Load(bytes.NewReader(defaultRoutesYAML))
}

// DefaultYAML returns the built-in configuration as YAML.
func DefaultYAML() []byte {
	return bytes.Clone(defaultRoutesYAML)
}
