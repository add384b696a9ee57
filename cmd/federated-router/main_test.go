// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-core-stack/federated-router/pkg/models"
	"github.com/go-core-stack/federated-router/pkg/registry"
)

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
	if err := loadEnvFile(""); err != nil {
		t.Fatalf("empty path should be ignored: %v", err)
	}
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "FED_TEST_FROM_FILE=file\nFED_TEST_PRESET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("FED_TEST_PRESET", "env")
	t.Setenv("FED_TEST_FROM_FILE", "")
	_ = os.Unsetenv("FED_TEST_FROM_FILE")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("FED_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("FED_TEST_PRESET"); got != "env" {
		t.Fatalf("existing variable overridden, got %q", got)
	}
}

func TestLoadRegistry(t *testing.T) {
	reg, err := loadRegistry("")
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	if reg.Len() != registry.Default().Len() {
		t.Fatalf("expected built-in table, got %d backends", reg.Len())
	}

	path := filepath.Join(t.TempDir(), "models.yaml")
	doc := "backends:\n  - name: tiny\n    port: 9100\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err = loadRegistry(path)
	if err != nil {
		t.Fatalf("file registry: %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "tiny" {
		t.Fatalf("unexpected backends: %v", names)
	}

	if _, err := loadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing registry file")
	}
}

func TestWriteStatus(t *testing.T) {
	results := []models.ProbeResult{
		{
			Backend: registry.Backend{Name: "yi-1.5", Port: 8002, Metadata: map[string]string{"params": "34B", "est_ram": "19 GB"}},
			Err:     errors.New("connection refused"),
		},
		{
			Backend: registry.Backend{Name: "phi-4", Port: 8008, Metadata: map[string]string{"params": "14B"}},
			Entries: []map[string]any{{"id": "phi-4"}},
		},
	}

	var out bytes.Buffer
	if err := writeStatus(&out, results, routerStatus{Addr: "localhost:8080", Up: true}); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "MODEL STATUS PORT PARAMS EST_RAM MODELS" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); fields[0] != "phi-4" || fields[1] != "UP" || fields[4] != "-" || fields[5] != "1" {
		t.Fatalf("unexpected phi-4 row %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); fields[0] != "yi-1.5" || fields[1] != "DOWN" || fields[len(fields)-1] != "-" {
		t.Fatalf("unexpected yi-1.5 row %q", lines[2])
	}
	if lines[4] != "1/2 backends up; router localhost:8080 UP" {
		t.Fatalf("unexpected summary %q", lines[4])
	}
}
