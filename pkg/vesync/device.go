package vesync

import (
	"encoding/json"
	"strings"
)

// State is the power state of an outlet.
type State int

const (
	Unknown State = iota
	Off
	On
)

func (s State) String() string {
	switch s {
	case On:
		return "ON"
	case Off:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	*s = ParseState(string(b))
	return nil
}

func (s State) wire() string {
	if s == On {
		return "on"
	}
	return "off"
}

// ParseState accepts the VeSync deviceStatus values as well as ON/OFF.
func ParseState(v string) State {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on":
		return On
	case "off":
		return Off
	default:
		return Unknown
	}
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

type loginResult struct {
	AccountID string `json:"accountID"`
	Token     string `json:"token"`
}

type devicesResult struct {
	Total int      `json:"total"`
	List  []device `json:"list"`
}

type device struct {
	DeviceName       string `json:"deviceName"`
	CID              string `json:"cid"`
	UUID             string `json:"uuid"`
	DeviceType       string `json:"deviceType"`
	Type             string `json:"type"`
	DeviceStatus     string `json:"deviceStatus"`
	ConnectionStatus string `json:"connectionStatus"`
	SubDeviceNo      any    `json:"subDeviceNo"`
}
