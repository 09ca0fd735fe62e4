package mqttstate

import "strings"

type availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

type deviceSpec struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"ids"`
	Manufacturer string   `json:"mf,omitempty"`
}

// advertisement is a Home Assistant MQTT discovery payload.
type advertisement struct {
	Availability      []availability `json:"availability"`
	Device            deviceSpec     `json:"device"`
	UniqueID          string         `json:"uniq_id"`
	Name              string         `json:"name"`
	StateTopic        string         `json:"state_topic"`
	ValueTemplate     string         `json:"value_template,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	PayloadOn         string         `json:"payload_on,omitempty"`
	PayloadOff        string         `json:"payload_off,omitempty"`
	DeviceClass       string         `json:"device_class"`
	StateClass        string         `json:"state_class,omitempty"`
}

// discovery returns the retained config payloads keyed by discovery topic.
func (p *Publisher) discovery() map[string]advertisement {
	id := nodeID(p.cfg.Prefix)
	avail := []availability{{
		Topic:               p.availabilityTopic(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
	}}
	dev := deviceSpec{Name: "Humidity Manager", Identifiers: []string{id}, Manufacturer: "humidity-manager"}

	return map[string]advertisement{
		"homeassistant/sensor/" + id + "/humidity/config": {
			Availability:      avail,
			Device:            dev,
			UniqueID:          id + "-humidity",
			Name:              "Enclosure humidity",
			StateTopic:        p.topic("humidity"),
			ValueTemplate:     "{{ value_json.humidity }}",
			UnitOfMeasurement: "%",
			DeviceClass:       "humidity",
			StateClass:        "measurement",
		},
		"homeassistant/binary_sensor/" + id + "/outlet/config": {
			Availability: avail,
			Device:       dev,
			UniqueID:     id + "-outlet",
			Name:         "Mister outlet",
			StateTopic:   p.topic("outlet"),
			PayloadOn:    "ON",
			PayloadOff:   "OFF",
			DeviceClass:  "power",
		},
	}
}

func nodeID(prefix string) string {
	r := strings.NewReplacer("/", "_", " ", "_", "#", "", "+", "")
	return strings.Trim(r.Replace(prefix), "_")
}
