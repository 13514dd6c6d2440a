package owkit

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/owkit/ds18b20"
	"github.com/hubertat/owkit/onewire"
)

const (
	backendBitbang = "bitbang"
	backendPulse   = "pulse"
)

const (
	enumAttempts  = 5
	enumDelayBase = 100 * time.Millisecond
	enumDelayStep = 50 * time.Millisecond
)

// Replaced in tests.
var sleep = time.Sleep

// Bus is one physical 1-wire pin with every sensor chained on it.
//
// Expected = 0 accepts the first non-empty enumeration; a positive value
// demands that exact device count. IntervalSeconds <= 0 leaves the bus
// sensors on the shared sync ticker pace; a positive value gives each
// sensor its own background read interval.
type Bus struct {
	Pin             uint8
	PinName         string
	Backend         string
	Expected        int
	IntervalSeconds int

	SensorNames map[string]string

	transport onewire.Transport
	pinLock   sync.Mutex
	addresses []onewire.Address
	sensors   []*TemperatureSensor
	logger    *log.Logger

	// enumerate is swapped out by tests to script attempt outcomes.
	enumerate func() ([]onewire.Address, error)
}

// Init opens the configured backend, enumerates devices with the retry
// policy and builds a sensor per discovered address. The device set is
// fixed from here on; attaching a new physical device needs a restart.
func (b *Bus) Init() error {
	b.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: fmt.Sprintf("Bus %s: ", b.describePin()),
		Level:  log.GetLevel(),
	})

	if b.transport == nil {
		transport, err := b.openTransport()
		if err != nil {
			return errors.Wrapf(err, "failed to open %s transport", b.Backend)
		}
		b.transport = transport
	}

	if b.enumerate == nil {
		b.enumerate = func() ([]onewire.Address, error) {
			found, discarded, err := onewire.Search(b.transport, ds18b20.Family)
			if discarded > 0 {
				b.logger.Warn("search discarded addresses", "count", discarded)
			}
			return found, err
		}
	}

	addresses, err := b.discover()
	if err != nil {
		return err
	}
	b.addresses = addresses

	interval := time.Duration(b.IntervalSeconds) * time.Second
	for i, addr := range b.addresses {
		name := b.SensorNames[addr.String()]
		if len(name) == 0 {
			name = fmt.Sprintf("Sensor #%d", i+1)
		}
		sensor := ds18b20.NewSensor(b.transport, &b.pinLock, addr)
		b.sensors = append(b.sensors, newTemperatureSensor(name, sensor, interval))
	}

	b.logger.Info("bus ready", "devices", len(b.sensors))
	return nil
}

func (b *Bus) openTransport() (onewire.Transport, error) {
	switch strings.ToLower(b.Backend) {
	case backendPulse:
		return onewire.NewPulse(b.PinName)
	case backendBitbang, "":
		return onewire.NewBitbang(b.Pin)
	default:
		return nil, errors.Errorf("unknown bus backend %q", b.Backend)
	}
}

// discover runs bounded enumeration attempts with growing delays to let
// the bus and supplies settle after power-up.
//
// When no attempt matches the expected count the best one wins: highest
// device count, earliest attempt on ties. A shortfall is logged and
// operation continues with what was found; only a completely empty bus
// fails, and even that failure is local to this bus.
func (b *Bus) discover() ([]onewire.Address, error) {
	var best []onewire.Address

	for attempt := 0; attempt < enumAttempts; attempt++ {
		if attempt > 0 {
			sleep(enumDelayBase + time.Duration(attempt-1)*enumDelayStep)
		}

		found, err := b.enumerate()
		if err != nil {
			b.logger.Warn("enumeration attempt failed", "attempt", attempt+1, "err", err)
			continue
		}

		b.logger.Debug("enumeration attempt", "attempt", attempt+1, "devices", len(found))

		if b.Expected <= 0 && len(found) > 0 {
			return found, nil
		}
		if b.Expected > 0 && len(found) == b.Expected {
			return found, nil
		}

		// Strictly-greater keeps the earliest attempt on equal counts.
		if len(found) > len(best) {
			best = found
		}
	}

	if len(best) == 0 {
		return nil, errors.Errorf("no devices found on bus %s after %d attempts", b.describePin(), enumAttempts)
	}

	b.logger.Warn("partial enumeration, continuing with best attempt",
		"devices", len(best), "expected", b.Expected)
	return best, nil
}

// Addresses returns the cached enumeration result, in discovery order.
func (b *Bus) Addresses() []onewire.Address {
	return b.addresses
}

func (b *Bus) getSensors() []*TemperatureSensor {
	return b.sensors
}

func (b *Bus) describePin() string {
	if len(b.PinName) > 0 {
		return b.PinName
	}
	return fmt.Sprintf("%d", b.Pin)
}

// Close releases the pin. Callers must stop all sensor activity first;
// the pin lock is taken to let any in-flight cycle finish.
func (b *Bus) Close() error {
	if b.transport == nil {
		return nil
	}

	b.pinLock.Lock()
	defer b.pinLock.Unlock()

	return b.transport.Close()
}
