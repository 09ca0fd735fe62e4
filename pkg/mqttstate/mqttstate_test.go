package mqttstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/nimdanitro/humidity-manager-go/pkg/sensorpush"
	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
	"go.uber.org/zap/zaptest"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	published []message
	err       error
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) MQTT.Token {
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	f.published = append(f.published, message{topic: topic, retained: retained, payload: s})
	return &fakeToken{err: f.err}
}

func newTestPublisher(t *testing.T, discovery bool) (*Publisher, *fakeClient) {
	fc := &fakeClient{}
	return &Publisher{
		client: fc,
		cfg:    Config{Prefix: "vivarium/hot-side", Discovery: discovery},
		log:    zaptest.NewLogger(t),
	}, fc
}

func TestObservePublishesReadingAndState(t *testing.T) {
	p, fc := newTestPublisher(t, false)

	err := p.Observe(context.Background(), regulator.Event{
		Reading: &sensorpush.Reading{SensorID: "s1", Humidity: 58.2},
		State:   vesync.On,
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	if len(fc.published) != 2 {
		t.Fatalf("published = %+v", fc.published)
	}
	if fc.published[0].topic != "vivarium/hot-side/humidity" || !fc.published[0].retained {
		t.Errorf("humidity message = %+v", fc.published[0])
	}
	var r sensorpush.Reading
	if err := json.Unmarshal([]byte(fc.published[0].payload), &r); err != nil || r.Humidity != 58.2 {
		t.Errorf("humidity payload = %q", fc.published[0].payload)
	}
	if fc.published[1] != (message{topic: "vivarium/hot-side/outlet", retained: true, payload: "ON"}) {
		t.Errorf("outlet message = %+v", fc.published[1])
	}
}

func TestObserveSkipsUnknownState(t *testing.T) {
	p, fc := newTestPublisher(t, false)

	if err := p.Observe(context.Background(), regulator.Event{Err: errors.New("down")}); err != nil {
		t.Fatal(err)
	}
	if len(fc.published) != 0 {
		t.Errorf("published = %+v, want nothing", fc.published)
	}
}

func TestObserveReturnsPublishErrors(t *testing.T) {
	p, fc := newTestPublisher(t, false)
	fc.err = errors.New("not connected")

	err := p.Observe(context.Background(), regulator.Event{State: vesync.Off})
	if err == nil {
		t.Error("expected an error")
	}
}

func TestAnnounceWithDiscovery(t *testing.T) {
	p, fc := newTestPublisher(t, true)

	if err := p.announce(); err != nil {
		t.Fatal(err)
	}

	byTopic := map[string]string{}
	for _, m := range fc.published {
		byTopic[m.topic] = m.payload
	}
	if byTopic["vivarium/hot-side/availability"] != "online" {
		t.Errorf("availability not announced: %v", byTopic)
	}

	raw, ok := byTopic["homeassistant/sensor/vivarium_hot-side/humidity/config"]
	if !ok {
		t.Fatalf("humidity discovery missing: %v", byTopic)
	}
	var ad advertisement
	if err := json.Unmarshal([]byte(raw), &ad); err != nil {
		t.Fatal(err)
	}
	if ad.StateTopic != "vivarium/hot-side/humidity" || ad.DeviceClass != "humidity" || ad.UniqueID != "vivarium_hot-side-humidity" {
		t.Errorf("humidity advertisement = %+v", ad)
	}
	if _, ok := byTopic["homeassistant/binary_sensor/vivarium_hot-side/outlet/config"]; !ok {
		t.Errorf("outlet discovery missing: %v", byTopic)
	}
}

func TestAnnounceWithoutDiscovery(t *testing.T) {
	p, fc := newTestPublisher(t, false)

	if err := p.announce(); err != nil {
		t.Fatal(err)
	}
	if len(fc.published) != 1 {
		t.Errorf("published = %+v, want only availability", fc.published)
	}
}

func TestNodeID(t *testing.T) {
	tests := map[string]string{
		"humidity-manager":  "humidity-manager",
		"vivarium/hot side": "vivarium_hot_side",
		"/home/#":           "home",
	}
	for in, want := range tests {
		if got := nodeID(in); got != want {
			t.Errorf("nodeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnectRequiresBroker(t *testing.T) {
	if _, err := Connect(Config{}, zaptest.NewLogger(t)); err == nil {
		t.Error("expected an error without broker")
	}
}
