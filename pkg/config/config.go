// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr         = "FED_LISTEN_ADDR"
	envDownstreamURL      = "FED_DOWNSTREAM_URL"
	envBackendHost        = "FED_BACKEND_HOST"
	envRegistryFile       = "FED_REGISTRY_FILE"
	envProbeTimeout       = "FED_PROBE_TIMEOUT"
	envRequestTimeout     = "FED_REQUEST_TIMEOUT"
	envLogLevel           = "FED_LOG_LEVEL"
	envServerReadTimeout  = "FED_SERVER_READ_TIMEOUT"
	envServerWriteTimeout = "FED_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout  = "FED_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown   = "FED_GRACEFUL_SHUTDOWN"
	envMetricsAddr        = "FED_METRICS_ADDR"
	envManageRouter       = "FED_MANAGE_ROUTER"
	envRouterCommand      = "FED_ROUTER_COMMAND"
	envRouterConfig       = "FED_ROUTER_CONFIG"
	envRouterReadyTimeout = "FED_ROUTER_READY_TIMEOUT"
	envRouterStopGrace    = "FED_ROUTER_STOP_GRACE"

	defaultListenAddr         = "0.0.0.0:8000"
	defaultDownstreamURL      = "http://localhost:8080"
	defaultBackendHost        = "localhost"
	defaultProbeTimeout       = 500 * time.Millisecond
	defaultLogLevel           = "info"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
	defaultRouterCommand      = "litellm"
	defaultRouterConfig       = "router_config.yaml"
	defaultRouterReadyTimeout = 30 * time.Second
	defaultRouterStopGrace    = 5 * time.Second
)

// Config captures runtime settings for the federated router.
type Config struct {
	ListenAddr string
	// Downstream is the routing layer every non-aggregated request goes to.
	Downstream *url.URL
	// BackendHost is the host used to reach registry backends.
	BackendHost  string
	RegistryFile string
	ProbeTimeout time.Duration
	// RequestTimeout bounds proxied requests; zero disables it so long
	// generations are never cut off.
	RequestTimeout          time.Duration
	LogLevel                string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
	MetricsAddr             string
	Router                  RouterConfig
}

// RouterConfig controls supervision of the downstream router process.
type RouterConfig struct {
	Manage       bool
	Command      string
	ConfigPath   string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
}

// Load reads configuration from environment variables and validates it.
func Load() (Config, error) {
	downstreamRaw := getString(envDownstreamURL, defaultDownstreamURL)
	downstream, err := url.Parse(downstreamRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDownstreamURL, err)
	}
	if !downstream.IsAbs() || downstream.Host == "" {
		return Config{}, fmt.Errorf("%s must be absolute (scheme://host:port)", envDownstreamURL)
	}

	probeTimeout := getDuration(envProbeTimeout, defaultProbeTimeout)
	if probeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envProbeTimeout)
	}

	cfg := Config{
		ListenAddr:              getString(envListenAddr, defaultListenAddr),
		Downstream:              downstream,
		BackendHost:             getString(envBackendHost, defaultBackendHost),
		RegistryFile:            getString(envRegistryFile, ""),
		ProbeTimeout:            probeTimeout,
		RequestTimeout:          getDuration(envRequestTimeout, 0),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		ServerReadTimeout:       getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(envServerWriteTimeout, 0),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
		MetricsAddr:             getString(envMetricsAddr, ""),
		Router: RouterConfig{
			Manage:       getBool(envManageRouter, true),
			Command:      getString(envRouterCommand, defaultRouterCommand),
			ConfigPath:   getString(envRouterConfig, defaultRouterConfig),
			ReadyTimeout: getDuration(envRouterReadyTimeout, defaultRouterReadyTimeout),
			StopGrace:    getDuration(envRouterStopGrace, defaultRouterStopGrace),
		},
	}

	return cfg, nil
}

// DownstreamAddr returns the host:port of the downstream router, filling in
// the scheme's default port when none is given.
func (c Config) DownstreamAddr() string {
	if c.Downstream == nil {
		return ""
	}
	if port := c.Downstream.Port(); port != "" {
		return c.Downstream.Host
	}
	port := "80"
	if c.Downstream.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(c.Downstream.Hostname(), port)
}

// DownstreamPort returns the numeric port of the downstream router.
func (c Config) DownstreamPort() (int, error) {
	_, portRaw, err := net.SplitHostPort(c.DownstreamAddr())
	if err != nil {
		return 0, fmt.Errorf("downstream address: %w", err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return 0, errors.New("downstream port is not numeric")
	}
	return port, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
