// Command vehicle is the vehicle-agent daemon.
//
// It loads or generates the vehicle's identity, connects to the MQTT
// broker, publishes signed basic safety messages at the configured
// frequency, verifies the messages of nearby vehicles and executes signed
// security commands from the operations center.
//
// Usage:
//
//	vehicle -config /etc/vlink/vlink.ini -id SDV_001 \
//	        -broker tls://broker:8883 -hz 20
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/config"
	"github.com/daohu527/vlink/pkg/guard"
	"github.com/daohu527/vlink/pkg/protocol"
	"github.com/daohu527/vlink/pkg/v2x"
	"github.com/daohu527/vlink/pkg/vehicle"
)

func main() {
	cfgPath := flag.String("config", "", "path to INI configuration file")
	id := flag.String("id", "", "unique vehicle ID (overrides config)")
	broker := flag.String("broker", "", "MQTT broker URL (overrides config)")
	hz := flag.Float64("hz", 0, "BSM publish frequency (1-50 Hz, overrides config)")
	debug := flag.Bool("debug", false, "enable development logging")
	reissue := flag.Bool("reissue", false, "reissue the vehicle certificate before starting")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *id != "" {
		cfg.Vehicle.ID = *id
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	if *hz != 0 {
		cfg.Vehicle.PublishHz = *hz
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
	sugar := logger.Sugar().With("vehicle", cfg.Vehicle.ID)

	if err := run(cfg, *reissue, sugar); err != nil {
		sugar.Fatalf("vehicle agent: %v", err)
	}
}

func run(cfg config.Config, reissue bool, log *zap.SugaredLogger) error {
	g, err := guard.New(cfg.Guard(), guard.WithLogger(log))
	if err != nil {
		return err
	}
	defer g.Close()

	if reissue {
		leaf, err := g.Identity().ReissueLeaf()
		if err != nil {
			return err
		}
		log.Infof("reissued certificate, serial %s valid until %s", leaf.SerialNumber, leaf.NotAfter.Format("2006-01-02"))
	}

	codec, err := v2x.CodecByName(cfg.Vehicle.Codec)
	if err != nil {
		return err
	}

	agent := vehicle.New(vehicle.Config{
		VehicleID:       cfg.Vehicle.ID,
		BrokerURL:       cfg.MQTT.Broker,
		PublishHz:       cfg.Vehicle.PublishHz,
		CertFile:        cfg.MQTT.CertFile,
		KeyFile:         cfg.MQTT.KeyFile,
		CAFile:          cfg.MQTT.CAFile,
		Codec:           codec,
		ControlCenterID: cfg.ControlCenter.ID,
		StatusInterval:  cfg.Vehicle.StatusInterval,
		AlertsPerSecond: cfg.ControlCenter.AlertsPerSecond,
	}, g, func() *protocol.VehicleState {
		// In production this would read from real sensors.
		return &protocol.VehicleState{
			Latitude:   39.9042 + (rand.Float64()-0.5)*0.01,
			Longitude:  116.4074 + (rand.Float64()-0.5)*0.01,
			Speed:      float32(10 + rand.Float64()*5),
			Heading:    float32(rand.Float64() * 360),
			Gear:       protocol.GearDrive,
			BatteryPct: 80,
			Mode:       "autonomous",
		}
	}, vehicle.WithLogger(log))

	if err := agent.Connect(); err != nil {
		return err
	}
	defer agent.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("vehicle agent started at %.0f Hz, codec %s", cfg.Vehicle.PublishHz, codec.Name())
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("vehicle agent stopped\n%s", g.Report())
	return nil
}
