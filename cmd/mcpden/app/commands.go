// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcpden command-line
// application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "mcpden",
	DisableAutoGenTag: true,
	Short:             "mcpden is a multi-tenant daemon for MCP tools, resources, and prompts",
	Long: `mcpden is a multi-tenant daemon serving MCP (Model Context Protocol) tools,
resources, and prompts over HTTP with SSE streaming, or over stdio.

Each tenant is addressed by a partition key assembled from the endpoint id
and an optional X-Part-Id header. Tool, resource, and prompt catalogues are
resolved per partition from an upstream metadata store and cached in-process;
handlers are loaded from registered modules, with packaged archives fetched
from the blob store on demand.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help.
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcpden CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error.
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of mcpden",
		Long:  "Display detailed version information about mcpden, including version number, git commit, build date, and Go version.",
		RunE: func(_ *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				body, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal version information: %w", err)
				}
				fmt.Println(string(body))
				return nil
			}
			printVersionInfo(info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

func printVersionInfo(info versions.VersionInfo) {
	fmt.Printf("mcpden %s\n", info.Version)
	fmt.Printf("Commit: %s\n", info.Commit)
	fmt.Printf("Built: %s\n", info.BuildDate)
	fmt.Printf("Go version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s\n", info.Platform)
}
