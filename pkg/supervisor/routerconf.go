// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package supervisor

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/go-core-stack/federated-router/pkg/registry"
)

// RouterConfig is the LiteLLM router configuration document.
type RouterConfig struct {
	ModelList      []ModelRoute   `yaml:"model_list"`
	RouterSettings RouterSettings `yaml:"router_settings"`
}

// ModelRoute maps one friendly model name to its backend.
type ModelRoute struct {
	ModelName     string        `yaml:"model_name"`
	LiteLLMParams LiteLLMParams `yaml:"litellm_params"`
}

// LiteLLMParams tells the router how to reach a backend.
type LiteLLMParams struct {
	Model   string `yaml:"model"`
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
}

// RouterSettings holds retry policy owned by the downstream router.
type RouterSettings struct {
	NumRetries int `yaml:"num_retries"`
	Timeout    int `yaml:"timeout"`
}

// BuildRouterConfig maps every registry backend to an OpenAI-compatible route
// keyed by its friendly name.
func BuildRouterConfig(reg *registry.Registry, backendHost string) RouterConfig {
	cfg := RouterConfig{
		ModelList: make([]ModelRoute, 0, reg.Len()),
		RouterSettings: RouterSettings{
			NumRetries: 3,
			Timeout:    600,
		},
	}
	for _, b := range reg.All() {
		cfg.ModelList = append(cfg.ModelList, ModelRoute{
			ModelName: b.Name,
			LiteLLMParams: LiteLLMParams{
				// "openai/" selects the router's OpenAI-compatible client.
				Model:   "openai/" + b.Name,
				APIBase: "http://" + net.JoinHostPort(backendHost, strconv.Itoa(b.Port)) + "/v1",
				APIKey:  "EMPTY",
			},
		})
	}
	return cfg
}

// WriteRouterConfig renders the router configuration for reg to path.
func WriteRouterConfig(path string, reg *registry.Registry, backendHost string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(BuildRouterConfig(reg, backendHost)); err != nil {
		return fmt.Errorf("encode router config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode router config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create router config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write router config: %w", err)
	}
	return nil
}
