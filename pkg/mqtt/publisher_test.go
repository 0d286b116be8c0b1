package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	domain "github.com/slidebolt/sb-domain"

	"github.com/slidebolt/plugin-shinobi/pkg/device"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and keeps the subscription callback.
type fakeClient struct {
	paho.Client

	mu        sync.Mutex
	published []published
	handler   paho.MessageHandler
	subTopic  string
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	c.published = append(c.published, published{topic: topic, retained: retained, payload: b})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subTopic = topic
	c.handler = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func testInfo() device.CameraInfo {
	return device.CameraInfo{
		DeviceID:  device.DeviceID("cam1"),
		EntityID:  device.EntityID("cam1"),
		MonitorID: "cam1",
		Name:      "Front",
		Domain:    device.CameraDomain,
	}
}

func TestPublisher_CameraAndState(t *testing.T) {
	fc := &fakeClient{}
	p := NewPublisher(fc, "slidebolt/shinobi", 1, time.Second, zerolog.Nop())
	ctx := context.Background()

	if err := p.PublishCamera(ctx, testInfo()); err != nil {
		t.Fatalf("publish camera: %v", err)
	}
	if err := p.PublishState(ctx, testInfo(), device.CameraState{Camera: domain.Camera{IsRecording: true}, Online: true, Status: "record"}); err != nil {
		t.Fatalf("publish state: %v", err)
	}

	if len(fc.published) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fc.published))
	}
	cfgMsg := fc.published[0]
	if cfgMsg.topic != "slidebolt/shinobi/shinobi-device-cam1/shinobi-entity-cam1/config" || !cfgMsg.retained {
		t.Errorf("unexpected config message %+v", cfgMsg)
	}
	var info device.CameraInfo
	if err := json.Unmarshal(cfgMsg.payload, &info); err != nil || info.MonitorID != "cam1" {
		t.Errorf("unexpected config payload %s (%v)", cfgMsg.payload, err)
	}

	stateMsg := fc.published[1]
	if stateMsg.topic != "slidebolt/shinobi/shinobi-device-cam1/shinobi-entity-cam1/state" {
		t.Errorf("unexpected state topic %s", stateMsg.topic)
	}
	var state device.CameraState
	if err := json.Unmarshal(stateMsg.payload, &state); err != nil || !state.IsRecording || !state.Online {
		t.Errorf("unexpected state payload %s (%v)", stateMsg.payload, err)
	}
}

func TestPublisher_RemoveClearsRetained(t *testing.T) {
	fc := &fakeClient{}
	p := NewPublisher(fc, "slidebolt/shinobi", 1, time.Second, zerolog.Nop())

	if err := p.RemoveCamera(context.Background(), testInfo()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(fc.published) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fc.published))
	}
	for _, m := range fc.published {
		if len(m.payload) != 0 || !m.retained {
			t.Errorf("expected empty retained payload on %s", m.topic)
		}
	}
}

func TestPublisher_SubscribeCommands(t *testing.T) {
	fc := &fakeClient{}
	p := NewPublisher(fc, "slidebolt/shinobi", 1, time.Second, zerolog.Nop())

	var got []string
	err := p.SubscribeCommands(context.Background(), func(entityID string, payload []byte) {
		got = append(got, entityID+"="+string(payload))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if fc.subTopic != "slidebolt/shinobi/+/+/set" {
		t.Fatalf("unexpected subscription %s", fc.subTopic)
	}

	fc.handler(fc, fakeMessage{topic: "slidebolt/shinobi/shinobi-device-cam1/shinobi-entity-cam1/set", payload: []byte("record")})
	fc.handler(fc, fakeMessage{topic: "slidebolt/shinobi/shinobi-device-cam1/set", payload: []byte("stop")})

	if len(got) != 1 || got[0] != "shinobi-entity-cam1=record" {
		t.Fatalf("unexpected commands %v", got)
	}
}

func TestPublisher_Close(t *testing.T) {
	fc := &fakeClient{}
	p := NewPublisher(fc, "slidebolt/shinobi", 1, time.Second, zerolog.Nop())

	p.Close()
	if len(fc.published) != 1 || fc.published[0].topic != "slidebolt/shinobi/status" || string(fc.published[0].payload) != "offline" {
		t.Fatalf("unexpected messages %+v", fc.published)
	}
}
