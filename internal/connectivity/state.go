// Package connectivity tracks whether the process can reach the network
// and tells subscribers when that changes.
package connectivity

import "strings"

type Transport string

const (
	TransportUnknown  Transport = "unknown"
	TransportNone     Transport = "none"
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
	TransportOther    Transport = "other"
)

// ParseTransport maps platform type strings onto Transport.
func ParseTransport(s string) Transport {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return TransportNone
	case "wifi", "wi-fi", "wlan":
		return TransportWiFi
	case "cellular", "mobile", "wwan":
		return TransportCellular
	case "ethernet", "wired":
		return TransportEthernet
	case "", "unknown":
		return TransportUnknown
	default:
		return TransportOther
	}
}

type State struct {
	IsConnected bool      `json:"isConnected"`
	Transport   Transport `json:"transportType"`
	IsReachable bool      `json:"isReachable"`
}

// Online requires both a link and confirmed reachability.
func (s State) Online() bool {
	return s.IsConnected && s.IsReachable
}

// Offline is the state reported when a probe fails outright.
var Offline = State{IsConnected: false, Transport: TransportNone, IsReachable: false}
