/*
Package main is the entry point for the Lightspeed console server.

Two commands are available:

	lightspeed serve        console API: chat sessions, streaming, attachments,
	                        feedback and the MCP App relay (default)
	lightspeed dev-backend  local stand-in for the Lightspeed service

Both load configuration from the environment, initialize structured logging,
start an Echo server and shut down gracefully on SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"lightspeed/core"
	"lightspeed/devbackend"
	"lightspeed/query"
	"lightspeed/resource"
)

const shutdownTimeout = 30 * time.Second

func main() {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	config := core.LoadConfig()
	logger := core.InitializeLogger(config)

	switch command {
	case "serve":
		serve(config, logger)
	case "dev-backend":
		devBackend(config, logger)
	case "help", "-h", "--help":
		fmt.Println("usage: lightspeed [serve|dev-backend]")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: lightspeed [serve|dev-backend]\n", command)
		os.Exit(2)
	}
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	return e
}

// run starts e on port and blocks until a shutdown signal, then calls
// before and stops the server.
func run(e *echo.Echo, port string, logger *logrus.Logger, before func()) {
	go func() {
		logger.WithField("port", port).Info("Starting server")
		if err := e.Start(fmt.Sprintf(":%s", port)); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	if before != nil {
		before()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Failed to gracefully shutdown server")
	} else {
		logger.Info("Server shutdown complete")
	}
}

func serve(config *core.Config, logger *logrus.Logger) {
	logger.Info("Starting Lightspeed console server")

	client := query.NewClient(query.Options{
		BaseURL: config.APIURL,
		Token:   config.APIToken,
		Timeout: config.RequestTimeout,
		Logger:  logger,
	})

	var provider resource.Provider
	kube, err := resource.NewKubeProvider(config.Kubeconfig, logger)
	if err != nil {
		logger.WithError(err).Warn("Kubernetes unavailable, resource attachments disabled")
	} else {
		provider = kube
	}

	server, err := core.NewServer(config, logger, core.ServerOptions{
		Client:   client,
		Provider: provider,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	readyCtx, stopReady := context.WithCancel(context.Background())
	go func() {
		if err := query.Readiness(readyCtx, client, 5*time.Second); err != nil {
			logger.WithError(err).Debug("Stopped waiting for backend readiness")
			return
		}
		logger.WithField("apiURL", config.APIURL).Info("Lightspeed backend is ready")
	}()

	e := newEcho()
	server.RegisterRoutes(e)
	run(e, config.Port, logger, func() {
		stopReady()
		server.Shutdown()
	})
}

func devBackend(config *core.Config, logger *logrus.Logger) {
	logger.WithField("provider", config.LLMProvider).Info("Starting Lightspeed development backend")

	model, err := devbackend.NewModel(context.Background(), devbackend.ModelConfig{
		Provider:       config.LLMProvider,
		OllamaEndpoint: config.OllamaEndpoint,
		OllamaModel:    config.OllamaModel,
		GeminiAPIKey:   config.GeminiAPIKey,
		GeminiModel:    config.GeminiModel,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize LLM")
	}

	var lister resource.Lister
	if kube, err := resource.NewKubeProvider(config.Kubeconfig, logger); err != nil {
		logger.WithError(err).Info("Kubernetes unavailable, cluster tools use sample data")
	} else {
		lister = kube
	}

	e := newEcho()
	devbackend.NewServer(model, lister, logger).RegisterRoutes(e)
	run(e, config.DevBackendPort, logger, nil)
}
