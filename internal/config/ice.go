package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "HUDDLE_ICE_SERVERS_JSON"

	envStunURLs       = "HUDDLE_STUN_URLS"
	envTurnURLs       = "HUDDLE_TURN_URLS"
	envTurnUsername   = "HUDDLE_TURN_USERNAME"
	envTurnCredential = "HUDDLE_TURN_CREDENTIAL"
)

func parseICEServersFromEnv() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(os.Getenv(envICEServersJSON)); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseICEServersConvenience(
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses the JSON ICE server list form, matching the shape
// browsers accept for RTCPeerConnection configuration.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d has no urls", i)
		}
		out = append(out, webrtc.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(server.Username),
			Credential: strings.TrimSpace(server.Credential),
		})
	}
	return out, nil
}

func parseICEServersConvenience(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer

	if urls := splitURLs(stunURLs); len(urls) > 0 {
		out = append(out, webrtc.ICEServer{URLs: urls})
	}

	if urls := splitURLs(turnURLs); len(urls) > 0 {
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s requires %s and %s", envTurnURLs, envTurnUsername, envTurnCredential)
		}
		out = append(out, webrtc.ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}

	return out, nil
}

func splitURLs(raw string) []string {
	var out []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
