// Command control-center is the fleet security operations center daemon.
//
// It connects to the MQTT broker, verifies the signed basic safety
// messages of every vehicle, maintains a shadow for each one, collects
// security alerts and status reports and serves them over an HTTP API,
// from which operators send signed security commands back to vehicles.
//
// Usage:
//
//	control-center -config /etc/vlink/vlink.ini \
//	               -broker tls://broker:8883 -listen :8443
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daohu527/vlink/pkg/config"
	"github.com/daohu527/vlink/pkg/controlcenter"
	"github.com/daohu527/vlink/pkg/guard"
	"github.com/daohu527/vlink/pkg/protocol"
	"github.com/daohu527/vlink/pkg/security"
	"github.com/daohu527/vlink/pkg/v2x"
)

const summaryInterval = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to INI configuration file")
	broker := flag.String("broker", "", "MQTT broker URL (overrides config)")
	listen := flag.String("listen", "", "HTTP API listen address (overrides config)")
	debug := flag.Bool("debug", false, "enable development logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	if *listen != "" {
		cfg.ControlCenter.Listen = *listen
	}
	if *debug {
		cfg.Log.Level, cfg.Log.Development = "debug", true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar().With("control_center", cfg.ControlCenter.ID)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalf("control-center: %v", err)
	}
}

func run(cfg config.Config, log *zap.SugaredLogger) error {
	gcfg := cfg.Guard()
	gcfg.Identity.VehicleID = cfg.ControlCenter.ID

	reg := prometheus.NewRegistry()
	g, err := guard.New(gcfg, guard.WithLogger(log), guard.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer g.Close()

	codec, err := v2x.CodecByName(cfg.Vehicle.Codec)
	if err != nil {
		return err
	}

	srv := controlcenter.New(controlcenter.Config{
		BrokerURL:   cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		CertFile:    cfg.MQTT.CertFile,
		KeyFile:     cfg.MQTT.KeyFile,
		CAFile:      cfg.MQTT.CAFile,
		Codec:       codec,
		AlertBuffer: cfg.ControlCenter.AlertBuffer,
	}, g, controlcenter.WithLogger(log))

	srv.Alerter().Register(func(a *protocol.SecurityAlert) {
		if a.Critical() {
			// In production: page the on-call operator.
			log.Errorf("[OPERATOR] vehicle %s under attack: %s", a.VehicleID, a.Description)
		}
	})

	if err := srv.Connect(); err != nil {
		return err
	}
	defer srv.Disconnect()

	tlsCfg, err := apiTLS(cfg, g)
	if err != nil {
		return err
	}
	router := srv.Router(reg, controlcenter.WithCommands(controlcenter.MutualTLS(tlsCfg)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Infof("http api listening on %s", cfg.ControlCenter.Listen)
		return controlcenter.Serve(ctx, cfg.ControlCenter.Listen, cfg.ControlCenter.MaxConns, tlsCfg, router)
	})
	eg.Go(func() error {
		// Periodically print a summary of known vehicles.
		t := time.NewTicker(summaryInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				pruned := srv.Shadows().Prune(time.Minute)
				log.Infof("shadow summary: %d vehicle(s) tracked, %d pruned, %d alert(s) buffered",
					srv.Shadows().Len(), pruned, len(srv.Alerts(0)))
			}
		}
	})

	log.Infof("control-center started")
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("control-center stopped")
	return nil
}

// apiTLS always serves the API over mutual TLS: with the MQTT key pair
// when one is configured, otherwise with the guard's own identity.
func apiTLS(cfg config.Config, g *guard.Guard) (*tls.Config, error) {
	if !cfg.TLSEnabled() {
		return g.TransportConfig()
	}
	return security.ServerTLSConfig(cfg.MQTT.CertFile, cfg.MQTT.KeyFile, cfg.MQTT.CAFile)
}
