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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySetupGetTeardown(t *testing.T) {
	reg := NewRegistry(nil)

	_, ok := reg.Get("red")
	assert.False(t, ok)

	inst, err := reg.Setup(InstanceConfig{Name: "red", Tokens: []string{"secret"}})
	require.NoError(t, err)
	got, ok := reg.Get("red")
	require.True(t, ok)
	assert.Same(t, inst, got)

	_, err = reg.Setup(InstanceConfig{Name: "bad"})
	require.Error(t, err, "validation failure leaves the registry unchanged")
	_, ok = reg.Get("bad")
	assert.False(t, ok)

	assert.True(t, reg.Teardown("red"))
	assert.False(t, reg.Teardown("red"), "second teardown reports absence")
	_, ok = reg.Get("red")
	assert.False(t, ok)
}

func TestRegistryUpdateReplacesAtomically(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Setup(InstanceConfig{Name: "red", Tokens: []string{"v1"}})
	require.NoError(t, err)

	held, ok := reg.Get("red")
	require.True(t, ok)

	_, err = reg.Setup(InstanceConfig{Name: "red", Tokens: []string{"v2"}})
	require.NoError(t, err)

	// the captured instance keeps its old configuration
	assert.True(t, held.TokenValid("v1"))
	assert.False(t, held.TokenValid("v2"))

	current, ok := reg.Get("red")
	require.True(t, ok)
	assert.True(t, current.TokenValid("v2"))
	assert.False(t, current.TokenValid("v1"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Setup(InstanceConfig{
				Name:   fmt.Sprintf("inst-%d", i%4),
				Tokens: []string{"t"},
			})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			reg.Get(fmt.Sprintf("inst-%d", i%4))
			reg.Names()
			reg.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Len(t, reg.Names(), 4)
}

func TestRegistrySnapshotNeverExposesTokens(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Setup(InstanceConfig{
		Name:        "red",
		Tokens:      []string{"super-secret-1", "super-secret-2"},
		RestrictOut: "external",
		RestrictIn:  []string{"192.168.0.0/16"},
		Timeout:     60,
	})
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	st := snap[0]
	assert.Equal(t, "red", st.Name)
	assert.Equal(t, "/proxy/red", st.Endpoint)
	assert.Equal(t, "external", st.RestrictOut)
	assert.Equal(t, []string{"192.168.0.0/16"}, st.RestrictInCIDRs)
	assert.Equal(t, 2, st.TokenCount)
	assert.Equal(t, 60, st.TimeoutSeconds)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")
}

func TestDebugHandler(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Setup(InstanceConfig{Name: "red", Tokens: []string{"super-secret"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	reg.DebugHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "super-secret")

	var body struct {
		Timestamp string                    `json:"timestamp"`
		Instances map[string]InstanceStatus `json:"instances"`
		System    struct {
			PrivateCIDRs []string `json:"private_cidrs"`
			Restrictions []string `json:"available_restrictions"`
		} `json:"system"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Timestamp)
	require.Contains(t, body.Instances, "red")
	assert.Equal(t, 1, body.Instances["red"].TokenCount)
	assert.Equal(t, PrivateCIDRs(), body.System.PrivateCIDRs)
	assert.Contains(t, body.System.Restrictions, "custom")
}
