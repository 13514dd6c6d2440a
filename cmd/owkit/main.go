package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/owkit"
)

const defaultSyncInterval = "30s"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	syncInterval = flag.String("sync", defaultSyncInterval, "sensors sync interval (time.Duration)")
	debug        = flag.Bool("debug", false, "enable debug logging")

	owService = servicemaker.ServiceMaker{
		User:               "owkit",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/owkit.service",
		ServiceDescription: "owkit service: HomeKit enabled 1-wire temperature sensing. github.com/hubertat/owkit",
		ExecDir:            "/srv/owkit",
		ExecName:           "owkit",
	}
)

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("owkit started", "version", Version, "build", Build)

	if *flagInstall {
		err := owService.InstallService()
		if err != nil {
			panic(err)
		}
		log.Info("service installed!")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncDuration, err := time.ParseDuration(*syncInterval)
	if err != nil {
		panic(err)
	}

	ow := &owkit.OwKit{}
	configFile, err := os.Open(*config)
	if err != nil {
		log.Fatal("can't find/open config file, will terminate", "path", *config, "err", err)
	}
	cBuff, err := io.ReadAll(configFile)
	configFile.Close()
	if err != nil {
		log.Fatal("failed reading config file", "err", err)
	}
	err = json.Unmarshal(cBuff, ow)
	if err != nil {
		log.Fatal("failed unmarshalling json config", "err", err)
	}

	log.Info("will init owkit buses...")
	err = ow.InitBuses()
	defer ow.Close()
	if err != nil {
		panic(err)
	}

	if len(ow.MqttBroker) > 0 {
		err = ow.InitMqtt()
		if err != nil {
			log.Error("mqtt init failed, publishing disabled", "err", err)
		}
	}

	if ow.Influx != nil {
		err = ow.Influx.Setup()
		if err != nil {
			log.Error("influx init failed, publishing disabled", "err", err)
			ow.Influx = nil
		}
	}

	if len(ow.StatusAddress) > 0 {
		go func() {
			log.Error("status server stopped", "err", ow.ServeStatus(ow.StatusAddress))
		}()
	}

	if len(ow.HkPin) == 8 {
		log.Info("Starting with HomeKit server")

		go ow.StartTicker(syncDuration)
		log.Fatal(ow.StartHomeKit(ctx, Version))
	} else {
		log.Info("HomeKit not configured, disabled")
		ow.StartTicker(syncDuration)
	}
}
