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
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aleutian/flowengine/internal/config"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook ingress HTTP server and the session reaper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8090, "HTTP listen port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("wiring runtime: %w", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		rt.log.Info("shutdown signal received, stopping session reaper")
		rt.reaper.Stop()
		cancel()
	}()

	if err := rt.reaper.Start(ctx); err != nil {
		return fmt.Errorf("starting session reaper: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("flowengine"))
	router.GET("/health", func(c *gin.Context) { c.Status(200) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	rt.ingress.RegisterRoutes(router)

	addr := fmt.Sprintf(":%d", servePort)
	rt.log.Info("starting flowengine server", "addr", addr, "environment", cfg.Environment)
	return router.Run(addr)
}
