package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/lorenzodonini/ocpp-go/ws"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/actions"
	"ocpp_central/api"
	"ocpp_central/config"
	"ocpp_central/connectors"
	"ocpp_central/dispatcher"
	"ocpp_central/logging"
	"ocpp_central/notifier"
	mqttnotifier "ocpp_central/notifier/mqtt"
	natsnotifier "ocpp_central/notifier/nats"
	"ocpp_central/registry"
	"ocpp_central/store"
	"ocpp_central/store/natskv"
	redisstore "ocpp_central/store/redis"
)

const shutdownTimeout = 10 * time.Second

var configFile = flag.String("config", "", "path to the TOML configuration file")

var log *logrus.Logger

func setupCentralSystem(cfg *config.Config) (ocpp16.CentralSystem, error) {
	if !cfg.Server.TLS.Enabled {
		return ocpp16.NewCentralSystem(nil, nil), nil
	}

	var certPool *x509.CertPool
	if cfg.Server.TLS.CACertificate == "" {
		log.Infof("no CA certificate configured, using system CA pool")
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "getting system CA pool")
		}
		certPool = systemPool
	} else {
		certPool = x509.NewCertPool()
		data, err := os.ReadFile(cfg.Server.TLS.CACertificate)
		if err != nil {
			return nil, errors.Wrapf(err, "reading CA certificate from %v", cfg.Server.TLS.CACertificate)
		}
		if !certPool.AppendCertsFromPEM(data) {
			return nil, errors.Errorf("couldn't read CA certificate from %v", cfg.Server.TLS.CACertificate)
		}
	}
	server := ws.NewTLSServer(cfg.Server.TLS.Certificate, cfg.Server.TLS.CertificateKey, &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  certPool,
	})
	return ocpp16.NewCentralSystem(nil, server), nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreNats:
		return natskv.New(ctx, cfg.Store.Nats.URL, cfg.Store.Nats.Bucket)
	case config.StoreRedis:
		return redisstore.New(ctx, &goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, cfg.Store.Redis.Prefix)
	default:
		return store.NewMemoryStore(), nil
	}
}

// setupNotifier returns the publishers of charge point events and a function
// releasing them.
func setupNotifier(cfg *config.Config, sender *actions.Sender) ([]notifier.Publisher, func(), error) {
	switch cfg.Notifier.Backend {
	case config.NotifierNats:
		nc, err := nats.Connect(cfg.Notifier.Nats.URL, nats.Name(config.ClientID))
		if err != nil {
			return nil, nil, errors.Wrap(err, "connecting to nats")
		}
		natsNotifier := natsnotifier.New(nc, cfg.Notifier.Nats.RequestSubject, log)
		natsNotifier.SetTimeout(time.Duration(cfg.Notifier.Nats.RequestTimeout) * time.Second)
		log.Infof("operator requests wait up to %v for an answer", natsNotifier.Timeout())

		for _, handlers := range []map[string]actions.Function{
			actions.InitializeCoreProfileActions(sender).Handlers(),
			actions.InitializeSmartChargingProfileActions(sender).Handlers(),
		} {
			for action, fn := range handlers {
				natsNotifier.AddHandler(action, natsnotifier.Function(fn))
			}
		}
		if err := natsNotifier.Start(); err != nil {
			nc.Close()
			return nil, nil, err
		}
		return []notifier.Publisher{natsNotifier}, func() {
			natsNotifier.Stop()
			nc.Close()
		}, nil
	case config.NotifierMQTT:
		publisher, err := mqttnotifier.Connect(&cfg.Notifier.MQTT, log)
		if err != nil {
			return nil, nil, err
		}
		return []notifier.Publisher{publisher}, publisher.Close, nil
	default:
		return nil, func() {}, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer st.Close()

	centralSystem, err := setupCentralSystem(cfg)
	if err != nil {
		return err
	}

	reg := registry.New()
	tracker := connectors.NewTracker()
	sender := actions.NewSender(centralSystem, reg, log)

	publishers, closeNotifier, err := setupNotifier(cfg, sender)
	if err != nil {
		return errors.Wrap(err, "setting up notifier")
	}
	defer closeNotifier()

	var notifications chan notifier.Notification
	done := make(chan struct{})
	defer close(done)
	if len(publishers) > 0 {
		notifications = notifier.NewChannel()
		go notifier.Forward(log, notifications, done, publishers...)
	}

	d := dispatcher.New(dispatcher.Options{
		Store:             st,
		Registry:          reg,
		Tracker:           tracker,
		Logger:            log,
		Notifications:     notifications,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeoutDuration(),
	})
	if err := d.Start(ctx); err != nil {
		return errors.Wrap(err, "resetting connected charge points")
	}

	csHandler := dispatcher.NewCentralSystemHandler(d)
	centralSystem.SetCoreHandler(csHandler)
	centralSystem.SetNewChargePointHandler(func(chargePoint ocpp16.ChargePointConnection) {
		csHandler.OnNewChargePoint(chargePoint)
	})
	centralSystem.SetChargePointDisconnectedHandler(func(chargePoint ocpp16.ChargePointConnection) {
		csHandler.OnChargePointDisconnected(chargePoint)
	})

	watcher := actions.NewWatcher(st, sender, log)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Errorf("operator watcher stopped: %v", err)
		}
	}()

	var apiServer *api.Server
	if cfg.API.Listen != "" {
		apiServer = api.NewServer(api.NewHandler(reg, tracker, sender, log))
		go func() {
			if err := apiServer.Start(cfg.API.Listen); err != nil {
				log.Errorf("operator api stopped: %v", err)
			}
		}()
	}

	log.Infof("starting central system on port %v", cfg.Server.Port)
	go centralSystem.Start(cfg.Server.Port, cfg.Server.Path)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("failed to stop operator api: %v", err)
		}
	}
	// Stop accepting charge point traffic first so nothing comes back online
	// after the dispatcher marked it offline.
	centralSystem.Stop()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Errorf("failed to mark charge points offline: %v", err)
	}
	log.Info("stopped central system")
	return nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log, err = logging.New(cfg)
	if err != nil {
		logrus.Fatalf("failed to set up logging: %v", err)
	}

	// Set the level to debug to get verbose logs from the ocppj and websocket layers
	ocppj.SetLogger(log.WithField("logger", "ocppj"))
	ocppj.SetMessageValidation(false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}
