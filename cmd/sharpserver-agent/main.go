// Command sharpserver-agent is a thin wiring example: it loads
// configuration, brings up a registry Facade, runs a Registration Agent
// for this process's own endpoint, and wires an rpcclient.Manager whose
// reconciler watches the configured service name. It issues no Execute
// calls itself; it runs until SIGINT/SIGTERM and then unregisters.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/chao243/sharpserver/balancer"
	"github.com/chao243/sharpserver/config"
	"github.com/chao243/sharpserver/flog"
	"github.com/chao243/sharpserver/registration"
	"github.com/chao243/sharpserver/registry"
	"github.com/chao243/sharpserver/rpcclient"
)

func main() {
	configFile := flag.String("config", "config.yaml", "path to the fabric configuration file")
	flag.Parse()

	log := flog.New(flog.Options{
		LogLevel:          flog.InfoLevel,
		EncoderConfigType: flog.ProductionEncoderConfig,
		Console:           true,
	})

	cfg, err := config.Load(*configFile, false)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	facade, err := newFacade(cfg)
	if err != nil {
		log.Fatal("failed to construct registry facade", zap.Error(err))
	}
	defer facade.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := registration.New(registration.Options{
		Facade: facade,
		Instance: registry.ServiceInstance{
			ServiceName: cfg.RpcClient.ServiceName,
			Address:     cfg.Server.Address,
			Port:        cfg.Server.Port,
			Scheme:      cfg.Server.Scheme,
			Metadata:    cfg.Registration.Metadata,
		},
		HeartbeatInterval: cfg.Registration.HeartbeatInterval,
		RegistrationTTL:   cfg.Registration.RegistrationTtl,
		Logger:            log.Logger(),
	})
	if err != nil {
		log.Fatal("failed to construct registration agent", zap.Error(err))
	}
	if err := agent.Start(ctx); err != nil {
		log.Fatal("failed to register service", zap.Error(err))
	}

	strategy := balancer.Strategy(balancer.NewRoundRobin())
	manager := rpcclient.NewManager(facade, strategy,
		rpcclient.WithMaxConnectionsPerService(cfg.RpcClient.MaxConnectionsPerService),
		rpcclient.WithMaxAttempts(cfg.RpcClient.MaxRetries+1),
		rpcclient.WithManagerLogger(log.Logger()),
		rpcclient.WithConnectionTimeout(cfg.RpcClient.ConnectionTimeout),
		rpcclient.WithOperationTimeout(cfg.RpcClient.OperationTimeout),
		rpcclient.WithBackoffPolicy(rpcclient.BackoffPolicy{
			BaseDelay:   time.Duration(cfg.RpcClient.RetryBackoff.BaseMs) * time.Millisecond,
			Multiplier:  cfg.RpcClient.RetryBackoff.Multiplier,
			MaxExponent: cfg.RpcClient.RetryBackoff.MaxExponent,
			MaxDelay:    time.Duration(cfg.RpcClient.RetryBackoff.MaxMs) * time.Millisecond,
		}),
	)
	manager.Start([]string{cfg.RpcClient.ServiceName})
	defer manager.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := agent.Stop(shutdownCtx); err != nil {
		log.Error("graceful unregister failed", zap.Error(err))
	}
}

func newFacade(cfg *config.Config) (*registry.Facade, error) {
	switch strings.ToLower(cfg.ServiceRegistry.Provider) {
	case "redis":
		return registry.NewRedis(registry.RedisOptions{
			ConnectionString: cfg.ServiceRegistry.Redis.ConnectionString,
			KeyPrefix:        cfg.ServiceRegistry.KeyPrefix,
		})
	case "etcd":
		return registry.NewEtcd(registry.EtcdOptions{
			Config: clientv3.Config{
				Endpoints:   []string{cfg.ServiceRegistry.Etcd.Endpoint},
				DialTimeout: cfg.ServiceRegistry.Etcd.DialTimeout,
			},
			KeyPrefix: cfg.ServiceRegistry.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("sharpserver-agent: unknown serviceRegistry.provider %q", cfg.ServiceRegistry.Provider)
	}
}
