// Package owkit discovers DS18B20 temperature sensors chained on
// 1-wire GPIO buses and keeps reading them, publishing results to
// HomeKit, MQTT and InfluxDB.
package owkit

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"

	"github.com/hubertat/owkit/ds18b20"
	"github.com/hubertat/owkit/mqtt"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "owkit"
const homeKitBridgeAuthor = "github.com/hubertat"

const (
	// idlePollInterval paces the busy-flag polling inside interval
	// tasks; safetyNetTimeout is a crash net only, a cycle resolves on
	// its own bounds long before.
	idlePollInterval = 100 * time.Millisecond
	safetyNetTimeout = 5 * time.Minute
)

type OwKit struct {
	Name string

	Buses []*Bus

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string
	MqttTopic  string

	Influx *InfluxSink

	StatusAddress string

	mqttClient *mqtt.MqttClient
	ticker     *time.Ticker
	stop       chan struct{}
	stopOnce   sync.Once
	logger     *log.Logger
}

// InitBuses opens and enumerates every configured bus. A failing bus is
// logged and skipped; sensor trouble never blocks the rest of the
// application from starting.
func (ow *OwKit) InitBuses() error {
	ow.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "owkit: ",
		Level:  log.GetLevel(),
	})
	ow.stop = make(chan struct{})

	ready := 0
	for _, bus := range ow.Buses {
		if err := bus.Init(); err != nil {
			ow.logger.Error("bus init failed, continuing without it", "bus", bus.describePin(), "err", err)
			continue
		}
		ready++
	}

	ow.logger.Info("buses initialized", "ready", ready, "configured", len(ow.Buses))
	return nil
}

func (ow *OwKit) getSensors() []*TemperatureSensor {
	sensors := []*TemperatureSensor{}
	for _, bus := range ow.Buses {
		sensors = append(sensors, bus.getSensors()...)
	}
	return sensors
}

// Sync services every follow-pace sensor once. Each read runs on its own
// goroutine so a slow conversion never stalls the tick; a sensor still
// busy from the previous tick is skipped by the in-flight rejection.
func (ow *OwKit) Sync() {
	for _, ts := range ow.getSensors() {
		if ts.interval > 0 {
			continue
		}
		go ow.syncSensor(ts)
	}
}

func (ow *OwKit) syncSensor(ts *TemperatureSensor) {
	reading, err := ts.Read()
	if errors.Is(err, ds18b20.ErrBusy) {
		ow.logger.Debug("read still in flight, skipping", "sensor", ts.Addr())
		return
	}
	if err != nil {
		ow.logger.Warn("sensor read failed", "sensor", ts.Addr(), "err", err)
		return
	}

	ow.logger.Debug("sensor read", "sensor", ts.Addr(), "temperature", reading.Temperature)
	ow.publish(reading)
}

func (ow *OwKit) publish(reading ds18b20.Reading) {
	if ow.mqttClient != nil {
		topic := ow.MqttTopic
		if len(topic) == 0 {
			topic = homeKitBridgeName
		}
		if err := ow.mqttClient.PublishReading(topic, reading); err != nil {
			ow.logger.Warn("mqtt publish failed", "sensor", reading.Addr, "err", err)
		}
	}

	if ow.Influx != nil {
		ow.Influx.Write(reading)
	}
}

// StartTicker drives the follow-pace sensors and starts a dedicated
// background task per custom-interval sensor. Blocks until Close.
func (ow *OwKit) StartTicker(interval time.Duration) {
	for _, ts := range ow.getSensors() {
		if ts.interval > 0 {
			go ow.runIntervalTask(ts)
		}
	}

	ow.ticker = time.NewTicker(interval)
	for {
		select {
		case <-ow.ticker.C:
			ow.Sync()
		case <-ow.stop:
			ow.ticker.Stop()
			return
		}
	}
}

// runIntervalTask is the per-sensor background loop: trigger a cycle,
// wait (polling the busy flag) until it resolves, then hold for the
// configured interval. The schedule advances even when a trigger is
// rejected or a cycle fails, so one bad device never wedges its loop.
func (ow *OwKit) runIntervalTask(ts *TemperatureSensor) {
	for {
		go ow.syncSensor(ts)
		ow.waitIdle(ts)

		select {
		case <-ow.stop:
			return
		case <-time.After(ts.interval):
		}
	}
}

// waitIdle polls the busy flag until the in-flight cycle resolves,
// bounded by the safety net.
func (ow *OwKit) waitIdle(ts *TemperatureSensor) {
	maxPolls := int(safetyNetTimeout / idlePollInterval)
	for i := 0; i < maxPolls; i++ {
		select {
		case <-ow.stop:
			return
		default:
		}
		if !ts.Busy() {
			return
		}
		sleep(idlePollInterval)
	}
	ow.logger.Error("sensor cycle exceeded the safety timeout", "sensor", ts.Addr())
}

func (ow *OwKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, ts := range ow.getSensors() {
		accessory := ts.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = ts.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

func (ow *OwKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := ow.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(ow.HkDirectory) > 1 {
		store = hap.NewFsStore(ow.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, ow.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = ow.HkPin
	if len(ow.HkAddress) > 0 {
		hkServer.Addr = ow.HkAddress
	}

	if ow.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-c
		// Stop delivering signals.
		signal.Stop(c)
		// Cancel the context to stop the server.
		cancel()
	}()

	return hkServer.ListenAndServe(ctx)
}

func (ow *OwKit) InitMqtt() (err error) {
	if len(ow.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	clientId := ow.Name
	if len(clientId) == 0 {
		clientId = homeKitBridgeName
	}

	mc, err := mqtt.NewMqttClient(ow.MqttBroker, clientId)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	err = mc.Connect()
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
		return
	}

	ow.mqttClient = mc
	return
}

// Close stops the ticker and every background task, then releases the
// pins and sinks. Task shutdown comes first: a pin must not be
// reconfigured under an in-flight cycle.
func (ow *OwKit) Close() (err error) {
	if ow.stop != nil {
		ow.stopOnce.Do(func() { close(ow.stop) })
	}

	for _, bus := range ow.Buses {
		if closeErr := bus.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close bus")
		}
	}

	if ow.mqttClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if closeErr := ow.mqttClient.Disconnect(ctx); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to disconnect mqtt")
		}
	}

	if ow.Influx != nil {
		ow.Influx.Close()
	}

	return
}
