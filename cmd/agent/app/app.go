// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app implements the agent CLI.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matrixwatcher/agent/pkg/version"
)

var (
	// AgentCmd is the root command.
	AgentCmd = &cobra.Command{
		Use:   "agent [command]",
		Short: "Matrix watcher agent",
		Long: `The agent collects readings from heterogeneous sensors, detects
anomalies, correlates them across sources and accumulates the empirical
patterns between anomaly clusters and named real-world events.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if version.Commit != "" {
				fmt.Printf("Agent %s (%s)\n", version.AgentVersion, version.Commit)
			} else {
				fmt.Printf("Agent %s\n", version.AgentVersion)
			}
			return nil
		},
	}

	confFilePath string
)

func init() {
	AgentCmd.PersistentFlags().StringVarP(&confFilePath, "cfgpath", "c", "agent.yaml", "path to the agent configuration file")
	AgentCmd.AddCommand(versionCmd)
	AgentCmd.AddCommand(runCmd)
}
