// Package mqtt publishes Shinobi cameras to the platform over MQTT.
//
// Topics, relative to the configured prefix:
//
//	status                          online/offline (retained, last will)
//	<device>/<entity>/config        camera description (retained)
//	<device>/<entity>/state         camera state (retained)
//	<device>/<entity>/set           mode commands: stop, start, record
package mqtt

import (
	"context"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/slidebolt/plugin-shinobi/pkg/config"
	"github.com/slidebolt/plugin-shinobi/pkg/device"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

var _ device.Publisher = (*Publisher)(nil)

// CommandHandler receives the entity id and raw payload of a set command.
type CommandHandler func(entityID string, payload []byte)

type Publisher struct {
	client  paho.Client
	prefix  string
	qos     byte
	timeout time.Duration
	log     zerolog.Logger
}

// Connect dials the broker. The status topic flips to offline through the
// last will when the connection drops.
func Connect(cfg config.MQTTConfig, log zerolog.Logger) (*Publisher, error) {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "plugin-shinobi"
	}
	clientID += "-" + uuid.NewString()[:8]

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetWill(prefix+"/status", payloadOffline, cfg.QoS, true)

	opts.SetOnConnectHandler(func(c paho.Client) {
		c.Publish(prefix+"/status", cfg.QoS, true, payloadOnline)
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, errors.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connect to %s", cfg.Broker)
	}
	return NewPublisher(client, prefix, cfg.QoS, cfg.Timeout, log), nil
}

func NewPublisher(client paho.Client, prefix string, qos byte, timeout time.Duration, log zerolog.Logger) *Publisher {
	return &Publisher{client: client, prefix: prefix, qos: qos, timeout: timeout, log: log}
}

func (p *Publisher) entityTopic(info device.CameraInfo, leaf string) string {
	return p.prefix + "/" + info.DeviceID + "/" + info.EntityID + "/" + leaf
}

func (p *Publisher) PublishCamera(ctx context.Context, info device.CameraInfo) error {
	return p.publishJSON(ctx, p.entityTopic(info, "config"), info)
}

func (p *Publisher) PublishState(ctx context.Context, info device.CameraInfo, state device.CameraState) error {
	return p.publishJSON(ctx, p.entityTopic(info, "state"), state)
}

// RemoveCamera clears the retained config and state of the camera.
func (p *Publisher) RemoveCamera(ctx context.Context, info device.CameraInfo) error {
	for _, leaf := range []string{"config", "state"} {
		if err := p.publish(ctx, p.entityTopic(info, leaf), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeCommands routes <device>/<entity>/set messages to handler.
func (p *Publisher) SubscribeCommands(ctx context.Context, handler CommandHandler) error {
	topic := p.prefix + "/+/+/set"
	tok := p.client.Subscribe(topic, p.qos, func(_ paho.Client, msg paho.Message) {
		entityID, ok := p.commandEntity(msg.Topic())
		if !ok {
			p.log.Warn().Str("topic", msg.Topic()).Msg("Ignoring command on unexpected topic")
			return
		}
		handler(entityID, msg.Payload())
	})
	return errors.Wrapf(p.wait(ctx, tok), "subscribe %s", topic)
}

func (p *Publisher) commandEntity(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.prefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Close marks the plugin offline and disconnects.
func (p *Publisher) Close() {
	tok := p.client.Publish(p.prefix+"/status", p.qos, true, payloadOffline)
	tok.WaitTimeout(p.timeout)
	p.client.Disconnect(250)
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", topic)
	}
	return p.publish(ctx, topic, b)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	tok := p.client.Publish(topic, p.qos, true, payload)
	return errors.Wrapf(p.wait(ctx, tok), "publish %s", topic)
}

func (p *Publisher) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("mqtt operation timed out")
	}
}
