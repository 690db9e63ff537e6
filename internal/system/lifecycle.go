package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/api/rest"
	"github.com/KevinKickass/ElectrometerCSC/internal/api/rpc"
	"github.com/KevinKickass/ElectrometerCSC/internal/api/websocket"
	"github.com/KevinKickass/ElectrometerCSC/internal/auth"
	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/csc"
	"github.com/KevinKickass/ElectrometerCSC/internal/electrometer"
	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"github.com/KevinKickass/ElectrometerCSC/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	// TokenTTL bounds tokens minted by the issue-token flag.
	TokenTTL = 12 * time.Hour

	runtimeMonitorInterval = 15 * time.Second
	hubSubscriberBuffer    = 1024
)

// LifecycleManager owns every long-lived component of the process: the CSC,
// the event broker and the HTTP and gRPC front ends.
type LifecycleManager struct {
	config  *config.Config
	logger  *zap.Logger
	version string

	broker     *bus.Broker
	controller *electrometer.Controller
	csc        *csc.CSC
	hub        *websocket.Hub
	jwt        *auth.JWTHandler

	restServer *rest.Server
	grpcServer *grpc.Server

	cancel context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, version string) (*LifecycleManager, error) {
	settings, err := config.NewSettingsLoader(cfg.CSC.SettingsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings loader: %w", err)
	}

	var jwt *auth.JWTHandler
	if cfg.Auth.Enabled {
		if !cfg.Auth.IsProductionReady() {
			return nil, fmt.Errorf("auth enabled but %s holds no secret of at least 32 bytes", cfg.Auth.JWTSecretEnv)
		}
		jwt = auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), TokenTTL)
	}

	factory := electrometer.NewTransportFactory(transport.Options{
		CommandTimeout: cfg.Transport.CommandTimeout,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		PollInterval:   cfg.Transport.PollInterval,
	}, cfg.CSC.SimulationMode, logger.Named("transport"))

	controller := electrometer.NewController(logger.Named("electrometer"), electrometer.Options{
		Factory:      factory,
		BufferBudget: cfg.Transport.BufferBudget,
	})

	broker := bus.NewBroker(logger)

	device := csc.New(logger, csc.Options{
		Index:             cfg.CSC.Index,
		Version:           version,
		DefaultLabel:      cfg.CSC.SettingsLabel,
		Settings:          settings,
		Controller:        controller,
		Broker:            broker,
		TelemetryInterval: cfg.CSC.TelemetryInterval,
		StateInterval:     cfg.CSC.StateInterval,
		ConnectTimeout:    cfg.Transport.ConnectTimeout,
	})

	// A typed nil would still count as a verifier.
	var verifier websocket.TokenVerifier
	if jwt != nil {
		verifier = jwt
	}

	return &LifecycleManager{
		config:       cfg,
		logger:       logger,
		version:      version,
		broker:       broker,
		controller:   controller,
		csc:          device,
		hub:          websocket.NewHub(logger, verifier),
		jwt:          jwt,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}, nil
}

func (lm *LifecycleManager) CSC() *csc.CSC {
	return lm.csc
}

// JWT is nil when auth is disabled.
func (lm *LifecycleManager) JWT() *auth.JWTHandler {
	return lm.jwt
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// Start brings up the front ends and puts the CSC in STANDBY. Cancelling ctx
// interrupts in-flight instrument I/O.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting electrometer CSC",
		zap.Int("index", lm.config.CSC.Index),
		zap.String("version", lm.version),
		zap.Bool("simulation_mode", lm.config.CSC.SimulationMode))

	runCtx, cancel := context.WithCancel(ctx)
	lm.cancel = cancel

	monitor.Register()
	go monitor.RunRuntimeMonitor(runCtx, runtimeMonitorInterval, lm.logger)

	if lm.config.Redis.Enabled {
		sink, err := bus.NewRedisSink(runCtx, lm.config.Redis.Addr, lm.config.Redis.Password,
			lm.config.Redis.DB, lm.config.Redis.Channel, lm.config.CSC.Index, lm.logger)
		if err != nil {
			lm.setError(err)
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		lm.broker.AddSink(sink)
	}

	go lm.hub.Run(runCtx)
	go lm.hub.Pump(runCtx, lm.broker.Subscribe(hubSubscriberBuffer))

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if err := lm.csc.Begin(runCtx); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to begin CSC: %w", err)
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("auth_enabled", lm.jwt != nil),
		zap.Bool("redis_enabled", lm.config.Redis.Enabled))

	return nil
}

// Wait blocks until ctx is done or the CSC has gone OFFLINE via exitControl.
func (lm *LifecycleManager) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
		lm.logger.Info("Shutdown signal received")
	case <-lm.csc.Done():
		lm.logger.Info("CSC left control")
	case <-lm.shutdownChan:
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		// In-flight commands and scans abort with the run context.
		if lm.cancel != nil {
			lm.cancel()
		}
		shutdownErr = lm.gracefulShutdown(ctx)

		if shutdownErr != nil {
			lm.setState(StateError)
		}
		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. CSC loops and the instrument connection
	lm.csc.Shutdown()

	// 2. Closing the broker ends the event streams so gRPC can drain.
	if err := lm.broker.Close(); err != nil {
		errChan <- fmt.Errorf("broker close failed: %w", err)
	}

	// 3. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 4. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		return errors.New("shutdown timeout exceeded")
	}

	var errs []error
	for len(errChan) > 0 {
		errs = append(errs, <-errChan)
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = rpc.NewServer(rpc.NewService(lm.csc, lm.broker, lm.logger), lm.jwt)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("service", rpc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config.Server.HTTPPort, lm.csc, lm.logger, lm.hub, lm.jwt)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}
