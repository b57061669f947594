package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//MQTTPublisher publishes events to an MQTT broker with QoS 0
type MQTTPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

//NewMQTTPublisher connects to the broker
func NewMQTTPublisher(broker, clientID string, timeout time.Duration, log logging.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("Connected to MQTT broker %s", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("Lost connection to MQTT broker: %s", err.Error())
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPublisher{client: client, timeout: timeout}, nil
}

//MQTTTopic returns the topic events of a given type are published on
func MQTTTopic(systemID uint, eventType string) string {
	return fmt.Sprintf("systems/%d/%s", systemID, eventType)
}

//Publish sends the event to the topic of its tenant and type
func (p *MQTTPublisher) Publish(ctx context.Context, systemID uint, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	token := p.client.Publish(MQTTTopic(systemID, event.Type), 0, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out", MQTTTopic(systemID, event.Type))
	}
	return token.Error()
}

//Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
