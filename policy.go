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

package homieproxy

import (
	"context"
	"crypto/subtle"
	"net"
	"net/netip"
	"net/url"
)

// Resolver is the DNS capability injected into target policy checks and
// outbound dialing. The default implementation wraps net.DefaultResolver;
// tests substitute fakes.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
}

type netResolver struct {
	r *net.Resolver
}

func (nr netResolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return nr.r.LookupNetIP(ctx, "ip", host)
}

// DefaultResolver resolves through the system resolver.
func DefaultResolver() Resolver {
	return netResolver{r: net.DefaultResolver}
}

// ClientAllowed reports whether a client with the given source IP may use
// this instance. An empty restrict_in set allows everyone; otherwise the
// IP must parse and fall inside at least one configured CIDR.
func (inst *Instance) ClientAllowed(clientIP string) bool {
	if len(inst.RestrictInCIDRs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	return inAnyPrefix(addr, inst.RestrictInCIDRs)
}

// TokenValid reports whether the presented shared secret matches one of
// the instance's tokens. An empty token set or an empty presented token
// denies (fail-closed). Comparison is constant-time in the token contents.
func (inst *Instance) TokenValid(presented string) bool {
	if len(inst.Tokens) == 0 || presented == "" {
		return false
	}
	valid := false
	for _, tok := range inst.Tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(presented)) == 1 {
			valid = true
		}
	}
	return valid
}

// TargetAllowed reports whether the instance may connect to the target
// URL's destination IP. Literal IP hosts are used directly; hostnames go
// through the injected resolver, and resolution failure denies. Any
// unexpected condition denies.
func (inst *Instance) TargetAllowed(ctx context.Context, target *url.URL, resolver Resolver) bool {
	host := target.Hostname()
	if host == "" {
		return false
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		if resolver == nil {
			resolver = DefaultResolver()
		}
		addrs, err := resolver.LookupIP(ctx, host)
		if err != nil || len(addrs) == 0 {
			return false
		}
		addr = addrs[0]
	}
	addr = addr.Unmap()

	switch inst.RestrictOut {
	case RestrictOutAny:
		return true
	case RestrictOutExternal:
		return !inAnyPrefix(addr, privateNets)
	case RestrictOutInternal:
		if inst.LoopbackInternal && addr.IsLoopback() {
			return true
		}
		return inAnyPrefix(addr, privateNets)
	case RestrictOutCustom:
		return inAnyPrefix(addr, inst.RestrictOutCIDRs)
	}
	return false
}
