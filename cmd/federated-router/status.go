// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-core-stack/federated-router/pkg/models"
	"github.com/go-core-stack/federated-router/pkg/proxy"
)

const (
	statusUp   = "UP"
	statusDown = "DOWN"
)

var statusFlags struct {
	registryFile string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend and downstream router reachability",
	Long: `Probe every registered backend and the downstream router once and print
a summary table. A backend is UP when its model listing answers within the
probe timeout.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusFlags.registryFile, "registry", "r", "", "override registry file")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	registryFile := cfg.RegistryFile
	if statusFlags.registryFile != "" {
		registryFile = statusFlags.registryFile
	}
	reg, err := loadRegistry(registryFile)
	if err != nil {
		return err
	}

	agg := models.New(reg, proxy.NewHTTPClient(cfg), models.Options{
		Host:    cfg.BackendHost,
		Timeout: cfg.ProbeTimeout,
	})
	results := agg.Probe(cmd.Context())

	router := routerStatus{Addr: cfg.DownstreamAddr(), Up: dialable(cmd.Context(), cfg.DownstreamAddr(), cfg.ProbeTimeout)}
	return writeStatus(cmd.OutOrStdout(), results, router)
}

type routerStatus struct {
	Addr string
	Up   bool
}

// writeStatus prints one row per backend sorted by name, followed by the
// downstream router row.
func writeStatus(out io.Writer, results []models.ProbeResult, router routerStatus) error {
	sorted := slices.Clone(results)
	slices.SortFunc(sorted, func(a, b models.ProbeResult) int {
		return strings.Compare(a.Backend.Name, b.Backend.Name)
	})

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTATUS\tPORT\tPARAMS\tEST_RAM\tMODELS")

	up := 0
	for _, res := range sorted {
		state, served := statusDown, "-"
		if res.Err == nil {
			state, served = statusUp, strconv.Itoa(len(res.Entries))
			up++
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			res.Backend.Name,
			state,
			res.Backend.Port,
			orDash(res.Backend.Metadata["params"]),
			orDash(res.Backend.Metadata["est_ram"]),
			served,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	state := statusDown
	if router.Up {
		state = statusUp
	}
	_, err := fmt.Fprintf(out, "\n%d/%d backends up; router %s %s\n", up, len(sorted), router.Addr, state)
	return err
}

func dialable(ctx context.Context, addr string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
