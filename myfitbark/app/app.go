// Package app wires the hub components together, for the daemon and for the command line.
package app

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/asnowfix/myfitbark/myfitbark/auth"
	"github.com/asnowfix/myfitbark/myfitbark/devices"
	"github.com/asnowfix/myfitbark/myfitbark/discovery"
	"github.com/asnowfix/myfitbark/myfitbark/metrics"
	"github.com/asnowfix/myfitbark/myfitbark/mqtt"
	"github.com/asnowfix/myfitbark/myfitbark/options"
	"github.com/asnowfix/myfitbark/myfitbark/refresh"
	"github.com/asnowfix/myfitbark/myfitbark/storage"
	"github.com/asnowfix/myfitbark/myfitbark/tokens"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

type App struct {
	Config    *options.Config
	Storage   *storage.Storage
	Tokens    *tokens.Store
	Client    *fitbark.Client
	Bus       *mqtt.Bus
	Devices   *devices.Manager
	Flow      *auth.Flow
	Discovery *discovery.Engine
	Sync      *refresh.Engine

	mqtt  *mqtt.Client
	cache *mqtt.Cache
	log   logr.Logger
}

// New opens the storage and builds every component. The MQTT broker is connected only
// when one is configured; otherwise events are logged.
func New(ctx context.Context, log logr.Logger, cfg *options.Config, mqttTimeout time.Duration) (*App, error) {
	a := &App{Config: cfg, log: log}

	var err error
	a.Storage, err = storage.NewStorage(log, cfg.StoragePath)
	if err != nil {
		log.Error(err, "Failed to open storage", "path", cfg.StoragePath)
		return nil, err
	}

	a.Tokens, err = tokens.NewStore(ctx, log, a.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	metrics.SetTokenExpiry(a.Tokens.ExpiresAt())

	a.Client = fitbark.NewClient(
		fitbark.WithBaseURL(cfg.BaseURL),
		fitbark.WithTimeout(cfg.Timeout),
		fitbark.WithRateLimit(cfg.RateLimit),
		fitbark.WithObserver(metrics.ObserveRemoteRequest),
		fitbark.WithLogger(log),
	)

	a.cache, err = mqtt.NewCache(log, mqtt.DefaultCacheConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	var publisher mqtt.Publisher
	if cfg.MqttBroker != "" {
		a.mqtt, err = mqtt.NewClient(ctx, log, cfg.MqttBroker)
		if err != nil {
			a.Close()
			return nil, err
		}
		connectCtx := ctx
		if mqttTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, mqttTimeout)
			defer cancel()
		}
		if err := a.mqtt.Connect(connectCtx); err != nil {
			a.Close()
			return nil, err
		}
		publisher = a.mqtt
	}
	a.Bus = mqtt.NewBus(log, cfg.MqttTopic, publisher, a.cache)

	a.Devices = devices.NewManager(log, a.Storage, a.Bus)
	a.Flow = auth.NewFlow(log, a.Tokens, a.Client, a.Devices, a.Bus, cfg.CallbackURL)
	a.Sync = refresh.NewEngine(log, a.Client, a.Tokens, a.Devices)
	a.Discovery = discovery.NewEngine(log, a.Client, a.Tokens, a.Devices, a.Sync, discovery.OwnedOnly(cfg.OwnedOnly))

	if all, err := a.Devices.List(ctx); err == nil {
		metrics.SetRegisteredEntities(len(all))
	}
	return a, nil
}

// Close releases the broker connection, the cache and the storage.
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.Storage != nil {
		a.Storage.Close()
	}
}
