// Package iceconfig loads the STUN/TURN server list handed to clients.
package iceconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Server is one entry of the ICE server file.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultServers is used when no file is configured.
var DefaultServers = []Server{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// Load reads and validates an ICE server file.
func Load(path string) ([]Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ice config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON list of servers.
func Parse(data []byte) ([]Server, error) {
	var servers []Server
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse ice config: %w", err)
	}
	if err := Validate(servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// Validate checks every url scheme and that TURN entries carry credentials.
func Validate(servers []Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("ice config: no servers")
	}
	for i, s := range servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice config: server %d has no urls", i)
		}
		for _, u := range s.URLs {
			switch scheme(u) {
			case "stun", "stuns":
			case "turn", "turns":
				if s.Username == "" || s.Credential == "" {
					return fmt.Errorf("ice config: %s needs username and credential", u)
				}
			default:
				return fmt.Errorf("ice config: unsupported url %q", u)
			}
		}
	}
	return nil
}

// HasTURN reports whether any server is a relay. Without one, peers behind
// symmetric NATs cannot connect.
func HasTURN(servers []Server) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if sc := scheme(u); sc == "turn" || sc == "turns" {
				return true
			}
		}
	}
	return false
}

// ToWebRTC converts the list for a pion configuration.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ice)
	}
	return out
}

func scheme(u string) string {
	i := strings.IndexByte(u, ':')
	if i < 0 {
		return ""
	}
	return strings.ToLower(u[:i])
}
