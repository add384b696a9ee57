// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package models answers model discovery requests by probing every registered
// backend concurrently and merging whatever answers in time.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/federated-router/pkg/metrics"
	"github.com/go-core-stack/federated-router/pkg/registry"
)

const (
	// DefaultProbeTimeout bounds each backend probe.
	DefaultProbeTimeout = 500 * time.Millisecond
	defaultHost         = "localhost"
	modelsPath          = "/v1/models"
	maxProbeBody        = 4 << 20
)

// Options tune an Aggregator.
type Options struct {
	// Host is used to reach backends, normally a loopback name.
	Host string
	// Timeout bounds each individual probe.
	Timeout time.Duration
	Metrics *metrics.Collector
}

// Aggregator merges the model lists of all registered backends.
type Aggregator struct {
	registry *registry.Registry
	client   *http.Client
	host     string
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// ModelList is the OpenAI-compatible list envelope.
type ModelList struct {
	Object string           `json:"object"`
	Data   []map[string]any `json:"data"`
}

// ProbeResult is the settled outcome of probing one backend. Entries is only
// meaningful when Err is nil.
type ProbeResult struct {
	Backend  registry.Backend
	Entries  []map[string]any
	Err      error
	Duration time.Duration
}

// ErrListTooLarge reports a model list larger than the 4 MiB probe cap.
var ErrListTooLarge = errors.New("model list exceeds probe size limit")

// StatusError reports a probe answered with a non-200 status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

type backendList struct {
	Data []json.RawMessage `json:"data"`
}

// New constructs an Aggregator sharing the provided client.
func New(reg *registry.Registry, client *http.Client, opts Options) *Aggregator {
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	return &Aggregator{
		registry: reg,
		client:   client,
		host:     opts.Host,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		logger:   log.With().Str("component", "models").Logger(),
	}
}

// Probe queries every backend concurrently and returns once all probes have
// settled. Results are ordered by completion.
func (a *Aggregator) Probe(ctx context.Context) []ProbeResult {
	backends := a.registry.All()
	results := make(chan ProbeResult, len(backends))

	for _, b := range backends {
		go func(b registry.Backend) {
			results <- a.probe(ctx, b)
		}(b)
	}

	settled := make([]ProbeResult, 0, len(backends))
	for range backends {
		settled = append(settled, <-results)
	}
	return settled
}

// Aggregate returns the union of every successfully probed backend's models.
func (a *Aggregator) Aggregate(ctx context.Context) ModelList {
	list := ModelList{Object: "list", Data: []map[string]any{}}
	for _, res := range a.Probe(ctx) {
		if res.Err != nil {
			continue
		}
		list.Data = append(list.Data, res.Entries...)
	}
	return list
}

// ServeHTTP writes the aggregated model list. Unreachable backends are
// omitted; the response itself never fails.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	list := a.Aggregate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(list); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("write model list failed")
		return
	}

	zerolog.Ctx(r.Context()).Debug().
		Int("models", len(list.Data)).
		Dur("duration", time.Since(start)).
		Msg("model list served")
}

func (a *Aggregator) probe(ctx context.Context, b registry.Backend) ProbeResult {
	start := time.Now()
	entries, err := a.fetch(ctx, b)
	res := ProbeResult{Backend: b, Entries: entries, Err: err, Duration: time.Since(start)}

	a.metrics.RecordProbe(b.Name, outcome(err), res.Duration)
	if err != nil {
		a.logger.Debug().
			Err(err).
			Str("backend", b.Name).
			Int("port", b.Port).
			Dur("duration", res.Duration).
			Msg("backend probe failed")
	}
	return res
}

func (a *Aggregator) fetch(ctx context.Context, b registry.Backend) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	target := "http://" + net.JoinHostPort(a.host, strconv.Itoa(b.Port)) + modelsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", b.Name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody+1))
	if err != nil {
		return nil, fmt.Errorf("read probe body: %w", err)
	}
	if len(body) > maxProbeBody {
		return nil, ErrListTooLarge
	}

	var list backendList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &malformedError{err: err}
	}
	if list.Data == nil {
		return nil, &malformedError{err: errors.New(`missing "data" array`)}
	}

	entries := make([]map[string]any, 0, len(list.Data))
	for _, raw := range list.Data {
		var model map[string]any
		if err := json.Unmarshal(raw, &model); err != nil || model == nil {
			continue
		}
		reportedID, ok := model["id"]
		if !ok {
			continue
		}
		entries = append(entries, relabel(model, reportedID, b))
	}
	return entries, nil
}

// relabel exposes a backend model under the backend's registry name. The
// downstream router dispatches by that name, never by the backend's own id.
func relabel(model map[string]any, reportedID any, b registry.Backend) map[string]any {
	entry := maps.Clone(model)
	for k, v := range b.Metadata {
		entry[k] = v
	}
	entry["id"] = b.Name
	entry["backend_model"] = reportedID
	entry["port"] = b.Port
	return entry
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return "malformed model list: " + e.err.Error()
}

func (e *malformedError) Unwrap() error {
	return e.err
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	var (
		statusErr *StatusError
		badBody   *malformedError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &statusErr):
		return metrics.OutcomeBadStatus
	case errors.As(err, &badBody):
		return metrics.OutcomeMalformed
	case errors.Is(err, ErrListTooLarge):
		return metrics.OutcomeOversized
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeUnreachable
	}
}
