// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	projectPath string
	projectID   string
	outputPath  string
	databaseURL string
	logLevel    string
	metricsAddr string
	traceMode   string
	outputMode  string

	rootCmd = &cobra.Command{
		Use:   "audit",
		Short: "LLM-driven vulnerability scanner for smart-contract projects",
		Long: `audit parses a project into functions, derives business flows from
its public entry points and runs a multi-pass LLM detection and
confirmation protocol, persisting every task to a relational store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	detectCmd = &cobra.Command{
		Use:   "detect",
		Short: "Plan tasks and run the detection scan",
		RunE:  runDetect,
	}
	confirmCmd = &cobra.Command{
		Use:   "confirm",
		Short: "Expand context and vote on detected findings",
		RunE:  runConfirm,
	}
	allCmd = &cobra.Command{
		Use:   "all",
		Short: "Detect, confirm and write the report",
		RunE:  runAll,
	}
	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Write the findings report of a project",
		RunE:  runReport,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&projectPath, "path", "p", "", "project source root")
	flags.StringVar(&projectID, "id", "", "project id (defaults to the base name of --path)")
	flags.StringVarP(&outputPath, "output", "o", "", "report destination, a local path or gs://bucket/object")
	flags.StringVar(&databaseURL, "db", "", "SQLite path or postgres:// URL")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&traceMode, "trace", "", "trace exporter: none, stdout or otlp")
	flags.StringVar(&outputMode, "output-mode", "", "terminal output: rich, minimal or machine")

	rootCmd.AddCommand(detectCmd, confirmCmd, allCmd, reportCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
