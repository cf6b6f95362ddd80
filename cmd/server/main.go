package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rtu-gateway/internal/channel"
	"rtu-gateway/internal/config"
	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/model"
	"rtu-gateway/internal/routes"
	"rtu-gateway/internal/stream"
	"rtu-gateway/internal/transport"
	"rtu-gateway/internal/utils"
)

// Application wires the gateway together
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	registry *channel.Registry
	listener *stream.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app, err := NewApplication(os.Getenv("RTU_GATEWAY_CONFIG"))
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication loads configuration and builds every component. Nothing
// touches the network until Start.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "rtu-gateway")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	if err := app.initializeRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize channel registry: %w", err)
	}

	app.initializeServer()
	return app, nil
}

func (app *Application) initializeRegistry() error {
	order, err := frame.ParseByteOrder(app.config.Transport.ByteOrder)
	if err != nil {
		return err
	}

	app.registry = channel.NewRegistry(channel.Options{
		Transport: transport.Options{
			RingCapacity: app.config.Transport.RingCapacity,
			ReadChunk:    app.config.Transport.ReadChunk,
		},
		ByteOrder:      order,
		HeaderVersion:  app.config.Transport.HeaderVersion,
		WriteTimeout:   app.config.Transport.WriteTimeout,
		RequestTimeout: app.config.Correlation.RequestTimeout,
		MaxResends:     app.config.Correlation.MaxResends,
		ResendDelay:    app.config.Correlation.ResendDelay,
	}, app.logger)

	app.logger.Info("Channel registry initialized",
		zap.Int("ring_capacity", app.config.Transport.RingCapacity),
		zap.String("byte_order", order.String()),
	)
	return nil
}

func (app *Application) initializeServer() {
	app.router = routes.NewRouter(app.config, app.logger, app.registry)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// openConfiguredChannels opens the channels listed in the configuration. A
// channel that fails to open is logged and skipped so one dead device does
// not keep the gateway down; it can be opened later through the API.
func (app *Application) openConfiguredChannels() {
	for _, cc := range app.config.Channels {
		spec := channel.Spec{
			ID:       cc.ID,
			Protocol: model.WireProtocol(cc.Protocol),
			Stream:   cc.Stream,
		}
		app.applyReadTimeout(&spec.Stream)

		ctx, cancel := context.WithTimeout(app.ctx, 15*time.Second)
		ch, err := app.registry.Open(ctx, spec)
		cancel()
		if err != nil {
			utils.LogError(app.logger, "Failed to open configured channel", err,
				zap.String("channel_id", cc.ID),
				zap.String("protocol", cc.Protocol),
			)
			continue
		}
		app.logger.Info("Configured channel opened",
			zap.String("channel_id", ch.ID()),
			zap.String("remote", ch.Info().Remote),
		)
	}
}

// applyReadTimeout gives streams without their own read timeout the
// transport-wide one
func (app *Application) applyReadTimeout(cfg *stream.Config) {
	timeout := app.config.Transport.ReadTimeout
	if timeout <= 0 {
		return
	}
	cfg.ApplyDefaults()
	switch {
	case cfg.TCP != nil && cfg.TCP.ReadTimeout == stream.DefaultReadTimeout:
		cfg.TCP.ReadTimeout = timeout
	case cfg.Serial != nil && cfg.Serial.ReadTimeout == stream.DefaultReadTimeout:
		cfg.Serial.ReadTimeout = timeout
	case cfg.USB != nil && cfg.USB.ReadTimeout == stream.DefaultReadTimeout:
		cfg.USB.ReadTimeout = timeout
	}
}

// startListener accepts inbound device connections and adopts each one as a
// channel
func (app *Application) startListener() error {
	lc := app.config.Listener
	if !lc.Enabled {
		return nil
	}

	ln, err := stream.Listen(lc.Address, &stream.TCPConfig{
		ReadTimeout:  app.config.Transport.ReadTimeout,
		WriteTimeout: app.config.Transport.WriteTimeout,
	}, app.logger)
	if err != nil {
		return err
	}
	app.listener = ln

	protocol := model.WireProtocol(lc.Protocol)
	go func() {
		err := ln.Serve(app.ctx, func(s *stream.TCPStream) {
			ch, err := app.registry.Adopt(s, protocol)
			if err != nil {
				utils.LogError(app.logger, "Failed to adopt inbound connection", err, zap.String("remote", s.RemoteAddr()))
				s.Close()
				return
			}
			app.logger.Info("Inbound connection adopted",
				zap.String("channel_id", ch.ID()),
				zap.String("remote", s.RemoteAddr()),
			)
		})
		if err != nil {
			utils.LogError(app.logger, "Listener stopped", err)
		}
	}()

	app.logger.Info("Listening for device connections",
		zap.String("address", ln.Addr().String()),
		zap.String("protocol", lc.Protocol),
	)
	return nil
}

func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "rtu-gateway")
	serviceLogger.LogServiceStop("shutdown signal received")
	app.router.Health().SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.cancel()
	if app.listener != nil {
		app.listener.Close()
	}

	if err := app.registry.Close(); err != nil {
		app.logger.Error("Channel registry close error", zap.Error(err))
	} else {
		app.logger.Info("All channels closed")
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start opens channels, starts the listener and the HTTP server, then blocks
// until a shutdown signal arrives
func (app *Application) Start() error {
	go app.router.WebSocket().Run(app.ctx)

	app.openConfiguredChannels()
	if err := app.startListener(); err != nil {
		return fmt.Errorf("failed to start device listener: %w", err)
	}

	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.router.Health().SetReady(true)
	app.waitForShutdown()

	return nil
}
