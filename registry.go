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
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds the live set of proxy instances keyed by name. Instances
// are immutable once published; an update replaces the whole value, so
// requests that captured the old instance keep a consistent view until
// they complete. Lookups take only a read lock.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	logger    *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		instances: make(map[string]*Instance),
		logger:    logger,
	}
}

// Get returns the instance published under name, if any.
func (reg *Registry) Get(name string) (*Instance, bool) {
	reg.mu.RLock()
	inst, ok := reg.instances[name]
	reg.mu.RUnlock()
	return inst, ok
}

// Put atomically publishes inst, replacing any existing instance with the
// same name. In-flight requests holding the old value are unaffected.
func (reg *Registry) Put(inst *Instance) {
	reg.mu.Lock()
	reg.instances[inst.Name] = inst
	reg.mu.Unlock()
}

// Setup validates cfg and publishes the resulting instance. This is the
// entry point for the configuration collaborator; a validation failure
// leaves the registry unchanged.
func (reg *Registry) Setup(cfg InstanceConfig) (*Instance, error) {
	inst, err := NewInstance(cfg, reg.logger)
	if err != nil {
		return nil, err
	}
	reg.Put(inst)
	reg.logger.Info("proxy instance ready",
		zap.String("instance", inst.Name),
		zap.String("restrict_out", inst.RestrictOut.String()),
		zap.Int("tokens", len(inst.Tokens)),
		zap.Duration("timeout", inst.Timeout))
	return inst, nil
}

// Teardown atomically removes the named instance. It reports whether an
// instance was present.
func (reg *Registry) Teardown(name string) bool {
	reg.mu.Lock()
	_, ok := reg.instances[name]
	delete(reg.instances, name)
	reg.mu.Unlock()
	if ok {
		reg.logger.Info("proxy instance removed", zap.String("instance", name))
	}
	return ok
}

// Names returns the published instance names, sorted.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	names := make([]string, 0, len(reg.instances))
	for name := range reg.instances {
		names = append(names, name)
	}
	reg.mu.RUnlock()
	sort.Strings(names)
	return names
}

// InstanceStatus is the sanitized view of one instance for the debug
// endpoint. Token values are never exposed, only their count.
type InstanceStatus struct {
	Name             string   `json:"name"`
	Endpoint         string   `json:"endpoint"`
	RestrictOut      string   `json:"restrict_out"`
	RestrictOutCIDRs []string `json:"restrict_out_cidrs,omitempty"`
	RestrictInCIDRs  []string `json:"restrict_in_cidrs,omitempty"`
	TokenCount       int      `json:"token_count"`
	RequiresAuth     bool     `json:"requires_auth"`
	TimeoutSeconds   int      `json:"timeout"`
}

// Snapshot returns the sanitized configuration of every instance,
// ordered by name.
func (reg *Registry) Snapshot() []InstanceStatus {
	reg.mu.RLock()
	statuses := make([]InstanceStatus, 0, len(reg.instances))
	for _, inst := range reg.instances {
		st := InstanceStatus{
			Name:           inst.Name,
			Endpoint:       "/proxy/" + inst.Name,
			RestrictOut:    inst.RestrictOut.String(),
			TokenCount:     len(inst.Tokens),
			RequiresAuth:   inst.RequiresAuth,
			TimeoutSeconds: int(inst.Timeout / time.Second),
		}
		for _, p := range inst.RestrictOutCIDRs {
			st.RestrictOutCIDRs = append(st.RestrictOutCIDRs, p.String())
		}
		for _, p := range inst.RestrictInCIDRs {
			st.RestrictInCIDRs = append(st.RestrictInCIDRs, p.String())
		}
		statuses = append(statuses, st)
	}
	reg.mu.RUnlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// DebugHandler returns a read-only handler that serves a JSON snapshot of
// all instances' sanitized configuration.
func (reg *Registry) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := struct {
			Timestamp string                    `json:"timestamp"`
			Instances map[string]InstanceStatus `json:"instances"`
			System    struct {
				PrivateCIDRs []string `json:"private_cidrs"`
				Restrictions []string `json:"available_restrictions"`
			} `json:"system"`
		}{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Instances: make(map[string]InstanceStatus),
		}
		for _, st := range reg.Snapshot() {
			snapshot.Instances[st.Name] = st
		}
		snapshot.System.PrivateCIDRs = PrivateCIDRs()
		snapshot.System.Restrictions = []string{"any", "external", "internal", "custom"}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			reg.logger.Debug("writing debug snapshot", zap.Error(err))
		}
	})
}
