// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Command federated-router fronts local OpenAI-compatible inference backends
// with a single HTTP entry point.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("federated-router failed")
		os.Exit(1)
	}
}
