// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package registry holds the static set of inference backends fronted by the
// router. A Registry is built once at startup and never mutated afterwards, so
// request handlers may read it concurrently without locking.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend describes one locally running inference server.
type Backend struct {
	// Name is the friendly identifier clients and the downstream router use.
	Name string `yaml:"name"`
	// Port is the loopback port the backend listens on.
	Port int `yaml:"port"`
	// Metadata carries display-only attributes such as "params" or "est_ram".
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Registry is an ordered, read-only mapping of backend name to Backend.
type Registry struct {
	backends []Backend
	index    map[string]int
}

// reservedMetadata are model list fields owned by the router.
var reservedMetadata = []string{"id", "backend_model", "port"}

type fileFormat struct {
	Backends []Backend `yaml:"backends"`
}

// New validates the provided backends and returns a registry preserving their
// order.
func New(backends ...Backend) (*Registry, error) {
	reg := &Registry{
		backends: make([]Backend, 0, len(backends)),
		index:    make(map[string]int, len(backends)),
	}
	for _, b := range backends {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return nil, errors.New("backend name must not be empty")
		}
		if _, dup := reg.index[name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", name)
		}
		if b.Port < 1 || b.Port > 65535 {
			return nil, fmt.Errorf("backend %q: port %d out of range", name, b.Port)
		}
		for _, key := range reservedMetadata {
			if _, ok := b.Metadata[key]; ok {
				return nil, fmt.Errorf("backend %q: metadata key %q is reserved", name, key)
			}
		}
		reg.index[name] = len(reg.backends)
		reg.backends = append(reg.backends, Backend{
			Name:     name,
			Port:     b.Port,
			Metadata: maps.Clone(b.Metadata),
		})
	}
	return reg, nil
}

// Load reads a YAML registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML registry document.
func Parse(data []byte) (*Registry, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(doc.Backends) == 0 {
		return nil, errors.New("registry must define at least one backend")
	}
	return New(doc.Backends...)
}

// Len reports the number of registered backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// All returns a copy of every backend in registration order.
func (r *Registry) All() []Backend {
	out := make([]Backend, len(r.backends))
	for i, b := range r.backends {
		out[i] = b.clone()
	}
	return out
}

// Names returns backend names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name
	}
	return names
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, bool) {
	i, ok := r.index[name]
	if !ok {
		return Backend{}, false
	}
	return r.backends[i].clone(), true
}

func (b Backend) clone() Backend {
	b.Metadata = maps.Clone(b.Metadata)
	return b
}
