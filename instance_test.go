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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstanceValidation(t *testing.T) {
	_, err := NewInstance(InstanceConfig{Tokens: []string{"t"}}, nil)
	require.Error(t, err, "name is required")

	_, err = NewInstance(InstanceConfig{Name: "a"}, nil)
	require.Error(t, err, "at least one token is required")

	_, err = NewInstance(InstanceConfig{Name: "a", Tokens: []string{"ok", ""}}, nil)
	require.Error(t, err, "empty tokens are rejected")
}

func TestNewInstanceRestrictOutModes(t *testing.T) {
	for raw, expect := range map[string]RestrictOut{
		"":         RestrictOutAny,
		"any":      RestrictOutAny,
		"both":     RestrictOutAny,
		"External": RestrictOutExternal,
		"internal": RestrictOutInternal,
	} {
		inst, err := NewInstance(InstanceConfig{Name: "a", Tokens: []string{"t"}, RestrictOut: raw}, nil)
		require.NoError(t, err)
		assert.Equal(t, expect, inst.RestrictOut, "restrict_out %q", raw)
	}

	inst, err := NewInstance(InstanceConfig{
		Name:        "a",
		Tokens:      []string{"t"},
		RestrictOut: "10.0.0.0/8, 203.0.113.0/24",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, RestrictOutCustom, inst.RestrictOut)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("203.0.113.0/24"),
	}, inst.RestrictOutCIDRs)
}

func TestNewInstanceMalformedRestrictOutFallsBackToAny(t *testing.T) {
	inst, err := NewInstance(InstanceConfig{
		Name:        "a",
		Tokens:      []string{"t"},
		RestrictOut: "not a cidr",
	}, nil)
	require.NoError(t, err, "a bad CIDR must not reject the instance")
	assert.Equal(t, RestrictOutAny, inst.RestrictOut)
	assert.Empty(t, inst.RestrictOutCIDRs)
}

func TestNewInstanceMalformedRestrictInDropped(t *testing.T) {
	inst, err := NewInstance(InstanceConfig{
		Name:       "a",
		Tokens:     []string{"t"},
		RestrictIn: []string{"192.168.0.0/16", "garbage", "10.0.0.0/8"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}, inst.RestrictInCIDRs)
}

func TestNewInstanceTimeoutClamping(t *testing.T) {
	for seconds, expect := range map[int]time.Duration{
		0:    DefaultTimeout,
		5:    MinTimeout,
		30:   30 * time.Second,
		600:  600 * time.Second,
		9999: MaxTimeout,
	} {
		inst, err := NewInstance(InstanceConfig{Name: "a", Tokens: []string{"t"}, Timeout: seconds}, nil)
		require.NoError(t, err)
		assert.Equal(t, expect, inst.Timeout, "timeout %d", seconds)
	}
}

func TestPrivateCIDRs(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		PrivateCIDRs())
}
