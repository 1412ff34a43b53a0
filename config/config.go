// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the Wisp circuit client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	// Timeouts and intervals are expressed in seconds in the file.
	defaultRelayResponseTimeout = 20
	defaultStreamConnectTimeout = 30
	defaultKeepAliveInterval    = 180
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Link is the relay link configuration.
type Link struct {
	// Address is the link address of the entry relay, a URL of the form
	// tcp://host:port or quic://host:port.
	Address string
}

func (linkCfg *Link) validate() error {
	if linkCfg.Address == "" {
		return errors.New("config: Link: Address is not set")
	}
	u, err := url.Parse(linkCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Link: Address '%v' is invalid: %v", linkCfg.Address, err)
	}
	if u.Port() == "" {
		return fmt.Errorf("config: Link: Address '%v' is invalid: Must contain Port", linkCfg.Address)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "quic":
	default:
		return fmt.Errorf("config: Link: Address scheme '%v' is invalid", u.Scheme)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// RelayResponseTimeout is the number of seconds to wait for a circuit
	// scoped relay response before the wait returns empty handed.
	RelayResponseTimeout int

	// StreamConnectTimeout is the number of seconds a stream open is
	// allowed to take until it is canceled.
	StreamConnectTimeout int

	// KeepAliveInterval is the number of seconds of link write idleness
	// after which a keepalive cell is written.
	KeepAliveInterval int
}

func (d *Debug) fixup() {
	if d.RelayResponseTimeout == 0 {
		d.RelayResponseTimeout = defaultRelayResponseTimeout
	}
	if d.StreamConnectTimeout == 0 {
		d.StreamConnectTimeout = defaultStreamConnectTimeout
	}
	if d.KeepAliveInterval == 0 {
		d.KeepAliveInterval = defaultKeepAliveInterval
	}
}

// Config is the top level client configuration.
type Config struct {
	Link    *Link
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Debug == nil {
		c.Debug = &Debug{
			RelayResponseTimeout: defaultRelayResponseTimeout,
			StreamConnectTimeout: defaultStreamConnectTimeout,
			KeepAliveInterval:    defaultKeepAliveInterval,
		}
	} else {
		c.Debug.fixup()
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Link == nil {
		return errors.New("config: Link section is missing")
	}
	return c.Link.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
