// Package config loads realm's policy and bootstrap configuration (spec
// section 6's on-disk layout: config/policy.json, config/bootstrap.json,
// config/listen_port) and watches policy.json for live edits, grounded on
// teacher's configuration-reload pattern. bootstrap.json is read once, at
// Load; it is not reloaded on edit.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/x3haloed/realm/pkg/log"
)

// Policy gates which job runtimes this node will execute (spec section 4.7:
// native and emulated runtimes are both policy-gated).
type Policy struct {
	AllowNativeExecution bool `json:"allow_native_execution"`
	AllowEmulation       bool `json:"allow_emulation"`
}

// Bootstrap is the operator-configured seed address list (spec section 4.4,
// discovery layer 2).
type Bootstrap struct {
	Addresses []string `json:"addresses"`
}

// Store loads policy.json/bootstrap.json from configDir, applies
// REALM_ALLOW_NATIVE_EXECUTION/REALM_ALLOW_EMULATION env overrides, and
// reloads policy.json on write (fsnotify) so operators can flip flags
// without a restart.
type Store struct {
	mu        sync.RWMutex
	configDir string
	policy    Policy
	bootstrap Bootstrap
	watcher   *fsnotify.Watcher
	onChange  func(Policy)
}

// Load reads both config files and applies any environment variable
// overrides to the policy. An absent policy.json is created with the default
// policy; an absent bootstrap.json is treated as an empty list and not
// created.
func Load(configDir string) (*Store, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("config: create config dir: %w", err)
	}

	s := &Store{configDir: configDir}

	if err := s.loadPolicy(); err != nil {
		return nil, err
	}
	if err := s.loadBootstrap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) policyPath() string    { return filepath.Join(s.configDir, "policy.json") }
func (s *Store) bootstrapPath() string { return filepath.Join(s.configDir, "bootstrap.json") }
func (s *Store) listenPortPath() string { return filepath.Join(s.configDir, "listen_port") }

func (s *Store) loadPolicy() error {
	var p Policy
	data, err := os.ReadFile(s.policyPath())
	absent := os.IsNotExist(err)
	switch {
	case absent:
		p = Policy{}
	case err != nil:
		return fmt.Errorf("config: read policy.json: %w", err)
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("config: decode policy.json: %w", err)
		}
	}

	applyEnvOverrides(&p)

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	if !absent {
		// Rewriting an existing file would fire the Watch handler again.
		return nil
	}
	return s.writeAtomic(s.policyPath(), p)
}

func applyEnvOverrides(p *Policy) {
	if v, ok := boolEnv("REALM_ALLOW_NATIVE_EXECUTION"); ok {
		p.AllowNativeExecution = v
	}
	if v, ok := boolEnv("REALM_ALLOW_EMULATION"); ok {
		p.AllowEmulation = v
	}
}

func boolEnv(name string) (bool, bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Logger.Warn().Str("var", name).Str("value", raw).Msg("config: ignoring unparseable env override")
		return false, false
	}
	return v, true
}

func (s *Store) loadBootstrap() error {
	var b Bootstrap
	data, err := os.ReadFile(s.bootstrapPath())
	switch {
	case os.IsNotExist(err):
		b = Bootstrap{}
	case err != nil:
		return fmt.Errorf("config: read bootstrap.json: %w", err)
	default:
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("config: decode bootstrap.json: %w", err)
		}
	}

	s.mu.Lock()
	s.bootstrap = b
	s.mu.Unlock()
	return nil
}

func (s *Store) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("config: write temp %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Policy returns a snapshot of the current policy.
func (s *Store) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Bootstrap returns a snapshot of the bootstrap address list.
func (s *Store) Bootstrap() Bootstrap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootstrap
}

// SetPolicy persists a new policy (spec section 6's "policy read/write"
// query surface) and notifies the live watcher's callback, if any.
func (s *Store) SetPolicy(p Policy) error {
	applyEnvOverrides(&p)
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	if err := s.writeAtomic(s.policyPath(), p); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange(p)
	}
	return nil
}

// ListenPort reads the persisted preferred UDP port, or 0 if none has been
// chosen yet (spec section 4.4: "persisted on first bind and reused on
// restart").
func (s *Store) ListenPort() (int, error) {
	data, err := os.ReadFile(s.listenPortPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("config: read listen_port: %w", err)
	}
	port, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("config: parse listen_port: %w", err)
	}
	return port, nil
}

// PersistListenPort writes the bound UDP port, replacing any earlier value.
// pkg/agent calls it after every successful bind.
func (s *Store) PersistListenPort(port int) error {
	return os.WriteFile(s.listenPortPath(), []byte(strconv.Itoa(port)), 0644)
}

// Watch starts an fsnotify watch on policy.json; onChange is invoked with
// the freshly reloaded policy whenever the file is written externally (e.g.
// by an operator editing it directly rather than through SetPolicy).
func (s *Store) Watch(onChange func(Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(s.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch config dir: %w", err)
	}

	s.watcher = watcher
	s.onChange = onChange

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.policyPath()) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.loadPolicy(); err != nil {
					log.Logger.Warn().Err(err).Msg("config: reload policy.json failed")
					continue
				}
				if s.onChange != nil {
					s.onChange(s.Policy())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Logger.Warn().Err(err).Msg("config: watcher error")
			}
		}
	}()
	return nil
}

// Close stops the config file watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
