package sensorpush

import "time"

// Reading is a single humidity sample, valid for one control tick.
type Reading struct {
	SensorID    string    `json:"sensorId"`
	Name        string    `json:"name"`
	Humidity    float64   `json:"humidity"`
	Temperature float64   `json:"temperature"`
	Observed    time.Time `json:"observed"`
}

// AlertBand is the humidity alert range configured for a sensor in the SensorPush app.
type AlertBand struct {
	Enabled bool    `json:"enabled"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

type sensorInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DeviceID string `json:"deviceId"`
	Address  string `json:"address"`
	Active   bool   `json:"active"`
	Alerts   struct {
		Humidity    AlertBand `json:"humidity"`
		Temperature AlertBand `json:"temperature"`
	} `json:"alerts"`
	BatteryVoltage float64 `json:"battery_voltage"`
	RSSI           int     `json:"rssi"`
}

type authorizeRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authorizeResponse struct {
	Authorization string `json:"authorization"`
}

type accessTokenRequest struct {
	Authorization string `json:"authorization"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accesstoken"`
}

type samplesRequest struct {
	Limit   int      `json:"limit"`
	Sensors []string `json:"sensors,omitempty"`
}

type samplesResponse struct {
	LastTime time.Time `json:"last_time"`
	Sensors  map[string][]struct {
		Observed    time.Time `json:"observed"`
		Temperature float64   `json:"temperature"`
		Humidity    float64   `json:"humidity"`
	} `json:"sensors"`
	Status       string `json:"status"`
	TotalSamples int    `json:"total_samples"`
	Truncated    bool   `json:"truncated"`
}
