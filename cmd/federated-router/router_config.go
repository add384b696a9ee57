// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-core-stack/federated-router/pkg/supervisor"
)

var routerConfigFlags struct {
	output       string
	registryFile string
}

var routerConfigCmd = &cobra.Command{
	Use:   "router-config",
	Short: "Generate the downstream router configuration",
	Long: `Render the downstream router's model configuration from the registry.

Every backend becomes one route keyed by its friendly name and pointing at
http://<backend-host>:<port>/v1. An existing file is overwritten.

Examples:
  federated-router router-config
  federated-router router-config --output /etc/federated/router.yaml`,
	RunE: runRouterConfig,
}

func init() {
	rootCmd.AddCommand(routerConfigCmd)

	routerConfigCmd.Flags().StringVarP(&routerConfigFlags.output, "output", "o", "", "output path (default FED_ROUTER_CONFIG)")
	routerConfigCmd.Flags().StringVarP(&routerConfigFlags.registryFile, "registry", "r", "", "override registry file")
}

func runRouterConfig(cmd *cobra.Command, _ []string) error {
	path := routerConfigFlags.output
	if path == "" {
		path = cfg.Router.ConfigPath
	}
	registryFile := cfg.RegistryFile
	if routerConfigFlags.registryFile != "" {
		registryFile = routerConfigFlags.registryFile
	}

	reg, err := loadRegistry(registryFile)
	if err != nil {
		return err
	}
	if err := supervisor.WriteRouterConfig(path, reg, cfg.BackendHost); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Generated %s (%d models)\n", path, reg.Len())
	return nil
}
