package owkit

import (
	"os"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/hubertat/owkit/ds18b20"
)

const defaultInfluxMeasurement = "temperature"

// InfluxSink pushes readings to an InfluxDB bucket, one point per
// reading tagged with the device address.
type InfluxSink struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	client   influxdb2.Client
	writeApi api.WriteAPI
	logger   *log.Logger
}

func (is *InfluxSink) Setup() error {
	if len(is.Host) == 0 {
		return errors.New("influx host not set")
	}
	if len(is.Measurement) == 0 {
		is.Measurement = defaultInfluxMeasurement
	}

	is.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "InfluxSink: ",
		Level:  log.GetLevel(),
	})

	is.client = influxdb2.NewClient(is.Host, is.Token)
	is.writeApi = is.client.WriteAPI(is.Organization, is.Bucket)

	// Writes are async and batched; failures surface on this channel.
	go is.watchWriteErrors(is.writeApi.Errors())

	return nil
}

func (is *InfluxSink) watchWriteErrors(errs <-chan error) {
	for err := range errs {
		is.logger.Error("influx write failed", "err", err)
	}
}

// Write queues one reading. Dropping the point on a broken connection is
// acceptable here, the next cycle brings a fresh one.
func (is *InfluxSink) Write(reading ds18b20.Reading) {
	if is.writeApi == nil {
		return
	}

	point := write.NewPoint(
		is.Measurement,
		map[string]string{
			"address": reading.Addr.String(),
		},
		map[string]interface{}{
			"temperature": reading.Temperature,
		},
		reading.Taken,
	)

	is.writeApi.WritePoint(point)
}

func (is *InfluxSink) Close() {
	if is.client != nil {
		is.writeApi.Flush()
		is.client.Close()
	}
}
