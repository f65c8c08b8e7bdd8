// Package backend provides the data-backend client: a PostgREST-style query
// interface plus the factory that stamps each client with a fresh identity
// token so the backend's row-level authorization policies can evaluate the
// caller.
package backend

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/theoremz/tutorchat/pkg/identity"
)

// Config is the data-backend section of the client config file.
type Config struct {
	// URL is the backend project base URL, without trailing slash.
	URL string `yaml:"url"`

	// AnonKey is the public (anonymous) API key. Sent as the apikey header
	// on every request and used as the bearer token on unauthenticated
	// clients.
	AnonKey string `yaml:"anon_key"`

	// Schema is the database schema queried through the REST interface.
	// Default "public".
	Schema string `yaml:"schema"`

	// Identity configures the identity provider the factory bridges from.
	Identity identity.Config `yaml:"identity"`

	// Realtime tunes the change-feed websocket.
	Realtime RealtimeConfig `yaml:"realtime"`
}

// RealtimeConfig tunes the realtime change-feed connection.
type RealtimeConfig struct {
	// EventsPerSecond is advertised to the server as a client-side rate
	// hint. Default 5.
	EventsPerSecond int `yaml:"events_per_second"`

	// HeartbeatSeconds is the heartbeat interval. Default 30.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates and applies defaults. Called automatically on YAML
// decode; call it directly when building a Config in code.
func (c *Config) PostProcess() error {
	if c.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.AnonKey == "" {
		return fmt.Errorf("backend anon_key is required")
	}
	c.URL = strings.TrimRight(c.URL, "/")
	c.applyDefaults()
	return nil
}

// applyDefaults fills unset fields. NewFactory calls this too, so a Config
// built in code without PostProcess still gets sane realtime settings.
func (c *Config) applyDefaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.Realtime.EventsPerSecond <= 0 {
		c.Realtime.EventsPerSecond = 5
	}
	if c.Realtime.HeartbeatSeconds <= 0 {
		c.Realtime.HeartbeatSeconds = 30
	}
}

// RealtimeURL derives the websocket endpoint from the project URL.
func (c *Config) RealtimeURL() string {
	url := c.URL
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/realtime/v1/websocket"
}
