// Package mqtt publishes sensor readings to an MQTT broker. The client
// is publish-only: readings flow out, nothing is subscribed.
package mqtt

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/owkit/ds18b20"
)

const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

type MqttClient struct {
	config autopaho.ClientConfig
	conn   *autopaho.ConnectionManager
	logger *log.Logger
}

func (mc *MqttClient) Publish(topic string, payload []byte) (err error) {
	if mc.conn == nil {
		return errors.New("mqtt client not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = mc.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  true,
		Payload: payload,
	})
	return
}

// PublishReading sends one reading as json under baseTopic/<address>.
// The topic is keyed by the device address, which is stable across
// restarts, never by the enumeration index.
func (mc *MqttClient) PublishReading(baseTopic string, reading ds18b20.Reading) error {
	payload, err := json.Marshal(struct {
		Address     string    `json:"address"`
		Temperature float64   `json:"temperature"`
		Taken       time.Time `json:"taken"`
	}{
		Address:     reading.Addr.String(),
		Temperature: reading.Temperature,
		Taken:       reading.Taken,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal reading")
	}

	return mc.Publish(baseTopic+"/"+reading.Addr.String(), payload)
}

func (mc *MqttClient) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mc.logger.Info("Connected to MQTT broker")
}

func (mc *MqttClient) onConnError(err error) {
	mc.logger.Error("Received Mqtt connection error", "err", err)
}

func (mc *MqttClient) onSrvDisconnect(d *paho.Disconnect) {
	mc.logger.Info("Disconnected from MQTT broker")
}

func (mc *MqttClient) Connect() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeoutSeconds*time.Second)
	defer cancel()

	mc.conn, err = autopaho.NewConnection(context.Background(), mc.config)
	if err != nil {
		return
	}

	err = mc.conn.AwaitConnection(ctx)
	return
}

func (mc *MqttClient) Disconnect(ctx context.Context) error {
	if mc.conn == nil {
		return nil
	}
	return mc.conn.Disconnect(ctx)
}

func NewMqttClient(broker string, clientId string) (mc *MqttClient, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return
	}

	mc = &MqttClient{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttClient 🌡: ",
			Level:  log.GetLevel(),
		}),
	}

	mc.config = autopaho.ClientConfig{
		BrokerUrls:     []*url.URL{addr},
		KeepAlive:      20,
		OnConnectionUp: mc.onConnUp,
		OnConnectError: mc.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      mc.onConnError,
			OnServerDisconnect: mc.onSrvDisconnect,
		},
	}

	return
}
