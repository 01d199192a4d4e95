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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aleutian/flowengine/internal/config"
)

var reapNowCmd = &cobra.Command{
	Use:   "reap-now",
	Short: "Run a single idle-session sweep and exit",
	RunE:  runReapNow,
}

func runReapNow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("wiring runtime: %w", err)
	}
	defer rt.Close()

	result, err := rt.reaper.RunNow(context.Background())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("sweep complete: warnings_sent=%d sessions_closed=%d duration=%s errors=%d\n",
		result.WarningsSent, result.SessionsClosed, result.Duration(), len(result.Errors))
	if len(result.Errors) > 0 {
		return fmt.Errorf("sweep completed with %d error(s), first: %w", len(result.Errors), result.Errors[0])
	}
	return nil
}
