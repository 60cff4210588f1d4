// Copyright 2025 The Homie Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package homieproxy implements a multi-tenant HTTP/HTTPS/WebSocket
// forwarding proxy. Named proxy instances forward client requests to a
// target URL given as a query parameter, subject to per-instance network
// access control, shared-secret token authentication, selective TLS
// verification bypass, and header rewriting. Responses are streamed back
// to the client; WebSocket upgrade requests are relayed frame-by-frame
// in both directions.
package homieproxy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RestrictOut selects which destination IPs an instance may reach.
type RestrictOut int

const (
	// RestrictOutAny allows any resolvable destination.
	RestrictOutAny RestrictOut = iota

	// RestrictOutExternal allows destinations outside the private ranges.
	RestrictOutExternal

	// RestrictOutInternal allows destinations inside the private ranges.
	RestrictOutInternal

	// RestrictOutCustom allows destinations inside at least one of the
	// instance's configured CIDR blocks.
	RestrictOutCustom
)

func (ro RestrictOut) String() string {
	switch ro {
	case RestrictOutExternal:
		return "external"
	case RestrictOutInternal:
		return "internal"
	case RestrictOutCustom:
		return "custom"
	default:
		return "any"
	}
}

// privateNets are the ranges that count as "internal" destinations.
// Loopback is deliberately not included; see Instance.LoopbackInternal.
var privateNets = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// PrivateCIDRs returns the private ranges as strings, for the debug view.
func PrivateCIDRs() []string {
	out := make([]string, len(privateNets))
	for i, p := range privateNets {
		out[i] = p.String()
	}
	return out
}

const (
	// DefaultTimeout is the per-request total deadline when an instance
	// does not configure one.
	DefaultTimeout = 300 * time.Second

	// MinTimeout and MaxTimeout bound both the instance timeout and the
	// per-request timeout override.
	MinTimeout = 30 * time.Second
	MaxTimeout = 3600 * time.Second
)

// InstanceConfig is the raw configuration record for one proxy instance,
// as consumed from the configuration collaborator. RestrictOut is either
// one of the keywords "any", "external", "internal", or a comma-separated
// list of CIDR blocks (custom mode).
type InstanceConfig struct {
	Name             string   `json:"name" yaml:"name"`
	Tokens           []string `json:"tokens" yaml:"tokens"`
	RestrictOut      string   `json:"restrict_out,omitempty" yaml:"restrict_out,omitempty"`
	RestrictIn       []string `json:"restrict_in,omitempty" yaml:"restrict_in,omitempty"`
	RequiresAuth     bool     `json:"requires_auth,omitempty" yaml:"requires_auth,omitempty"`
	Timeout          int      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	LoopbackInternal bool     `json:"loopback_internal,omitempty" yaml:"loopback_internal,omitempty"`
}

// Instance is one named, independently configured proxy endpoint.
// Instances are immutable once published to a Registry; reconfiguration
// replaces the whole value.
type Instance struct {
	Name             string
	Tokens           []string
	RestrictOut      RestrictOut
	RestrictOutCIDRs []netip.Prefix
	RestrictInCIDRs  []netip.Prefix
	RequiresAuth     bool
	Timeout          time.Duration

	// LoopbackInternal widens RestrictOutInternal to include loopback
	// addresses. Off unless the configuration asks for it.
	LoopbackInternal bool
}

// NewInstance validates cfg and builds an immutable Instance. An empty
// name or an empty token set is a configuration error and rejects the
// instance. A malformed restrict_out CIDR falls back to "any" with a
// warning; malformed restrict_in CIDRs are dropped with a warning.
func NewInstance(cfg InstanceConfig, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("instance %s: at least one token is required", cfg.Name)
	}
	for _, tok := range cfg.Tokens {
		if tok == "" {
			return nil, fmt.Errorf("instance %s: empty token", cfg.Name)
		}
	}

	inst := &Instance{
		Name:             cfg.Name,
		Tokens:           append([]string(nil), cfg.Tokens...),
		RequiresAuth:     cfg.RequiresAuth,
		LoopbackInternal: cfg.LoopbackInternal,
	}

	switch strings.ToLower(strings.TrimSpace(cfg.RestrictOut)) {
	case "", "any", "both":
		inst.RestrictOut = RestrictOutAny
	case "external":
		inst.RestrictOut = RestrictOutExternal
	case "internal":
		inst.RestrictOut = RestrictOutInternal
	default:
		// anything else is a custom CIDR list
		prefixes, err := parsePrefixes(cfg.RestrictOut)
		if err != nil {
			logger.Warn("invalid restrict_out CIDR, defaulting to any",
				zap.String("instance", cfg.Name),
				zap.String("restrict_out", cfg.RestrictOut),
				zap.Error(err))
			inst.RestrictOut = RestrictOutAny
			break
		}
		inst.RestrictOut = RestrictOutCustom
		inst.RestrictOutCIDRs = prefixes
	}

	for _, cidr := range cfg.RestrictIn {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			logger.Warn("invalid restrict_in CIDR, ignoring",
				zap.String("instance", cfg.Name),
				zap.String("cidr", cidr),
				zap.Error(err))
			continue
		}
		inst.RestrictInCIDRs = append(inst.RestrictInCIDRs, p.Masked())
	}

	inst.Timeout = clampTimeout(time.Duration(cfg.Timeout) * time.Second)

	return inst, nil
}

// clampTimeout applies the default and the [MinTimeout, MaxTimeout] range.
func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

func parsePrefixes(s string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p.Masked())
	}
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("no CIDR blocks in %q", s)
	}
	return prefixes, nil
}

func inAnyPrefix(addr netip.Addr, prefixes []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
