/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package agent is embedded by managed service instances. It holds the live
// authentication policy of the instance and keeps it current, both when the
// control plane pushes a change and when the mounted policy ConfigMap is
// updated by the kubelet.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/store"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/env"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

// DefaultConfigDir is where the policy ConfigMap is mounted in instance pods.
const DefaultConfigDir = "/etc/auth-config"

// Settings is the live policy of an instance. It is safe for concurrent use.
type Settings struct {
	sign   atomic.Bool
	verify atomic.Bool
	logger logr.Logger
}

// NewSettings returns settings initialized to p.
func NewSettings(p policy.Policy, logger logr.Logger) *Settings {
	s := &Settings{logger: logger}
	s.Store(p)
	return s
}

// NewSettingsFromEnv initializes the settings from SIGN_AUTH_ENABLED and
// VERIFY_AUTH_ENABLED, defaulting to enforcement on.
func NewSettingsFromEnv(logger logr.Logger) *Settings {
	def := policy.Default()
	return NewSettings(policy.Policy{
		Sign:   env.GetEnvBool(store.SignKey, def.Sign, logger.V(logutil.VERBOSE)),
		Verify: env.GetEnvBool(store.VerifyKey, def.Verify, logger.V(logutil.VERBOSE)),
	}, logger)
}

func (s *Settings) Policy() policy.Policy {
	return policy.Policy{Sign: s.sign.Load(), Verify: s.verify.Load()}
}

func (s *Settings) SignEnabled() bool {
	return s.sign.Load()
}

func (s *Settings) VerifyEnabled() bool {
	return s.verify.Load()
}

func (s *Settings) Store(p policy.Policy) {
	s.sign.Store(p.Sign)
	s.verify.Store(p.Verify)
}

// reloadRequest is the reload body. Both flags must be present so a partial
// body never resets the omitted one.
type reloadRequest struct {
	Sign   *bool `json:"sign"`
	Verify *bool `json:"verify"`
}

// ReloadHandler serves the reload endpoint called by the control plane.
func (s *Settings) ReloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req reloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.logger.V(logutil.DEFAULT).Error(err, "Failed to decode reload request")
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.Sign == nil || req.Verify == nil {
			s.logger.V(logutil.DEFAULT).Info("Rejected reload request without both flags")
			http.Error(w, "both sign and verify are required", http.StatusBadRequest)
			return
		}
		p := policy.Policy{Sign: *req.Sign, Verify: *req.Verify}
		s.Store(p)
		s.logger.V(logutil.DEFAULT).Info("Auth settings updated via HTTP", "policy", p)
		w.WriteHeader(http.StatusOK)
	}
}

// Load reads the policy from the mounted ConfigMap directory. Missing or
// unparsable files resolve to the default value of that flag.
func (s *Settings) Load(dir string) error {
	data := map[string]string{}
	for _, key := range []string{store.SignKey, store.VerifyKey} {
		raw, err := os.ReadFile(filepath.Join(dir, key))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		data[key] = string(raw)
	}
	p := store.ParseConfigMap(&corev1.ConfigMap{Data: data})
	s.Store(p)
	s.logger.V(logutil.DEFAULT).Info("Auth settings loaded from mounted config", "dir", dir, "policy", p)
	return nil
}

// Watch loads the policy from dir and reloads it whenever the directory
// changes, until ctx is done. The kubelet swaps ConfigMap volumes through a
// symlink, so the directory is watched rather than the individual files.
func (s *Settings) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if err := s.Load(dir); err != nil {
		s.logger.Error(err, "Initial load of mounted auth config failed", "dir", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			s.logger.V(logutil.VERBOSE).Info("Mounted auth config changed", "event", event.String())
			if err := s.Load(dir); err != nil {
				s.logger.Error(err, "Failed to reload mounted auth config", "dir", dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error(err, "Watcher error", "dir", dir)
		}
	}
}
