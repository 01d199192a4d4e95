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
	"log"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "flowengine",
	Short: "Conversational flow engine: webhook ingress and session reaper",
}

// Execute runs the root command, exiting the process on error the way
// the teacher's own CLI entrypoint does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("flowengine: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to an optional YAML config overlay")
	rootCmd.AddCommand(serveCmd, reapNowCmd, versionCmd)
}
