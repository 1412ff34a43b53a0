// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exitpolicy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	portMin = 1
	portMax = 65535
)

// Rule is a single exit policy rule. The zero Prefix matches every address.
type Rule struct {
	Accept bool
	Net    netip.Prefix
	PortLo uint16
	PortHi uint16
}

func (r *Rule) matchesAddr(addr netip.Addr) bool {
	if !r.Net.IsValid() {
		return true
	}
	return r.Net.Contains(addr.Unmap())
}

func (r *Rule) matchesPort(port uint16) bool {
	return port >= r.PortLo && port <= r.PortHi
}

func (r *Rule) matchesAllAddrs() bool {
	return !r.Net.IsValid() || r.Net.Bits() == 0
}

// String returns the rule in its textual form.
func (r *Rule) String() string {
	verb := "reject"
	if r.Accept {
		verb = "accept"
	}
	addr := "*"
	if r.Net.IsValid() {
		if r.Net.Addr().Is6() {
			addr = fmt.Sprintf("[%v]/%v", r.Net.Addr(), r.Net.Bits())
		} else {
			addr = r.Net.String()
		}
	}
	port := "*"
	switch {
	case r.PortLo == portMin && r.PortHi == portMax:
	case r.PortLo == r.PortHi:
		port = strconv.Itoa(int(r.PortLo))
	default:
		port = fmt.Sprintf("%v-%v", r.PortLo, r.PortHi)
	}
	return fmt.Sprintf("%s %s:%s", verb, addr, port)
}

// Policy is an ordered, first match wins exit policy. A target matching no
// rule is rejected.
type Policy struct {
	rules []Rule
}

// AcceptAll returns a policy permitting every target.
func AcceptAll() *Policy {
	return &Policy{rules: []Rule{{Accept: true, PortLo: portMin, PortHi: portMax}}}
}

// RejectAll returns a policy permitting no target.
func RejectAll() *Policy {
	return &Policy{rules: []Rule{{Accept: false, PortLo: portMin, PortHi: portMax}}}
}

// Parse parses the textual form of an exit policy, one rule per entry, in
// order. A rule reads "<accept|reject> <addrspec>:<portspec>" where addrspec
// is "*", an address, or a prefix (IPv6 in brackets), and portspec is "*", a
// port, or an inclusive "lo-hi" range.
func Parse(rules []string) (*Policy, error) {
	p := &Policy{rules: make([]Rule, 0, len(rules))}
	for _, raw := range rules {
		r, err := parseRule(raw)
		if err != nil {
			return nil, err
		}
		p.rules = append(p.rules, *r)
	}
	return p, nil
}

func parseRule(raw string) (*Rule, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) != 2 {
		return nil, fmt.Errorf("exitpolicy: malformed rule: '%v'", raw)
	}

	r := new(Rule)
	switch fields[0] {
	case "accept":
		r.Accept = true
	case "reject":
		r.Accept = false
	default:
		return nil, fmt.Errorf("exitpolicy: unknown verb: '%v'", fields[0])
	}

	spec := fields[1]
	idx := strings.LastIndex(spec, ":")
	if idx < 1 || idx == len(spec)-1 {
		return nil, fmt.Errorf("exitpolicy: malformed rule spec: '%v'", spec)
	}
	if err := r.parseAddrSpec(spec[:idx]); err != nil {
		return nil, err
	}
	if err := r.parsePortSpec(spec[idx+1:]); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rule) parseAddrSpec(spec string) error {
	if spec == "*" {
		return nil
	}
	if strings.HasPrefix(spec, "[") {
		end := strings.Index(spec, "]")
		if end < 0 {
			return fmt.Errorf("exitpolicy: malformed address spec: '%v'", spec)
		}
		spec = spec[1:end] + spec[end+1:]
	}
	if strings.Contains(spec, "/") {
		pfx, err := netip.ParsePrefix(spec)
		if err != nil {
			return fmt.Errorf("exitpolicy: malformed address prefix: '%v'", spec)
		}
		r.Net = pfx.Masked()
		return nil
	}
	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return fmt.Errorf("exitpolicy: malformed address: '%v'", spec)
	}
	addr = addr.Unmap()
	r.Net = netip.PrefixFrom(addr, addr.BitLen())
	return nil
}

func (r *Rule) parsePortSpec(spec string) error {
	if spec == "*" {
		r.PortLo, r.PortHi = portMin, portMax
		return nil
	}
	lo, hi, found := strings.Cut(spec, "-")
	if !found {
		hi = lo
	}
	loPort, err := strconv.ParseUint(lo, 10, 16)
	if err != nil || loPort < portMin {
		return fmt.Errorf("exitpolicy: malformed port: '%v'", spec)
	}
	hiPort, err := strconv.ParseUint(hi, 10, 16)
	if err != nil || hiPort < loPort {
		return fmt.Errorf("exitpolicy: malformed port range: '%v'", spec)
	}
	r.PortLo, r.PortHi = uint16(loPort), uint16(hiPort)
	return nil
}

// AcceptsTarget returns true when the policy permits exiting to the target.
// Hostname targets are evaluated by port capability since their address is
// unknown until the exit resolves them.
func (p *Policy) AcceptsTarget(t ExitTarget) bool {
	if t.IsAddress() {
		return p.acceptsAddr(t.Addr, t.Port)
	}
	return p.AcceptsPort(t.Port)
}

// AcceptsPort returns true when the policy permits exiting to the port for
// at least one address.
func (p *Policy) AcceptsPort(port uint16) bool {
	for i := range p.rules {
		r := &p.rules[i]
		if !r.matchesPort(port) {
			continue
		}
		if r.Accept {
			return true
		}
		if r.matchesAllAddrs() {
			return false
		}
	}
	return false
}

func (p *Policy) acceptsAddr(addr netip.Addr, port uint16) bool {
	for i := range p.rules {
		r := &p.rules[i]
		if r.matchesPort(port) && r.matchesAddr(addr) {
			return r.Accept
		}
	}
	return false
}

// String returns the policy in its textual form.
func (p *Policy) String() string {
	s := make([]string, 0, len(p.rules))
	for i := range p.rules {
		s = append(s, p.rules[i].String())
	}
	return strings.Join(s, "\n")
}
