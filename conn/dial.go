// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package conn

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// Dial establishes a link to a relay at addr, a URL of the form
// "tcp://host:port" or "quic://host:port", and returns the running link
// connection.
func Dial(ctx context.Context, cfg *Config, addr string) (*Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("conn: invalid address '%v': %v", addr, err)
	}

	var nc net.Conn
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		dialFn := cfg.DialContextFn
		if dialFn == nil {
			dialFn = defaultDialer.DialContext
		}
		nc, err = dialFn(ctx, u.Scheme, u.Host)
	case "quic":
		nc, err = dialQUIC(ctx, u.Host)
	default:
		return nil, fmt.Errorf("conn: unsupported address scheme '%v'", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	c, err := New(cfg, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}
