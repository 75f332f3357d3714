// Package threadreg implements the conversation-thread registry (component
// C): a mapping from a stable feature key to the agent-assigned thread id
// currently backing it, serialized under internal/filelock per spec.md §4.C.
//
// Grounded on original_source/core/app_server_threads.py
// (APP_SERVER_THREADS_FILENAME, AppServerThreadRegistry), generalized to
// the broader feature-key set spec.md names (Open Question decision: the
// spec's literal key list wins over the narrower Python FEATURE_KEYS
// constant).
package threadreg

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/lucky401/carrunner/internal/filelock"
	"github.com/lucky401/carrunner/pkg/errkind"
)

// Version is the on-disk schema version for the registry document.
const Version = 1

// DocChatKinds enumerates the five doc-chat feature suffixes.
var DocChatKinds = []string{"todo", "progress", "opinions", "spec", "summary"}

// FeatureKeys is the closed set of registry keys the core recognizes.
// Unknown keys are rejected with errkind.Validation.
var FeatureKeys = buildFeatureKeys()

func buildFeatureKeys() map[string]struct{} {
	keys := map[string]struct{}{
		"spec_ingest":         {},
		"autorunner":          {},
		"autorunner.opencode": {},
		"snapshot":            {},
	}
	for _, k := range DocChatKinds {
		keys["doc_chat."+k] = struct{}{}
	}
	return keys
}

// NormalizeFeatureKey validates and canonicalizes a feature key, trimming
// whitespace and rejecting anything outside FeatureKeys.
func NormalizeFeatureKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if _, ok := FeatureKeys[key]; !ok {
		return "", errkind.New(errkind.Validation, "unknown feature key: "+key)
	}
	return key, nil
}

type document struct {
	Version int               `json:"version"`
	Threads map[string]string `json:"threads"`
}

// Registry is a JSON-backed feature-key -> thread-id map guarded by a
// filelock.StateLock bound to its backing path.
type Registry struct {
	path string
	mu   sync.Mutex
}

// New returns a Registry backed by the file at path (conventionally
// ".codex-autorunner/app_server_threads.json").
func New(path string) *Registry {
	return &Registry{path: path}
}

// Get returns the thread id for key, or "" if none is registered.
func (r *Registry) Get(key string) (string, error) {
	key, err := NormalizeFeatureKey(key)
	if err != nil {
		return "", err
	}
	var result string
	err = filelock.WithLock(r.lockPath(), true, func() error {
		doc, err := r.loadUnlocked()
		if err != nil {
			return err
		}
		result = doc.Threads[key]
		return nil
	})
	return result, err
}

// Set registers threadID for key, overwriting any previous value.
func (r *Registry) Set(key, threadID string) error {
	key, err := NormalizeFeatureKey(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return filelock.WithLock(r.lockPath(), true, func() error {
		doc, err := r.loadUnlocked()
		if err != nil {
			return err
		}
		doc.Threads[key] = threadID
		return r.saveUnlocked(doc)
	})
}

// Reset clears any thread id registered for key. It is idempotent.
func (r *Registry) Reset(key string) error {
	key, err := NormalizeFeatureKey(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return filelock.WithLock(r.lockPath(), true, func() error {
		doc, err := r.loadUnlocked()
		if err != nil {
			return err
		}
		delete(doc.Threads, key)
		return r.saveUnlocked(doc)
	})
}

// FeatureMap returns a defensive copy of the full key->thread-id mapping,
// suitable for UI display.
func (r *Registry) FeatureMap() (map[string]string, error) {
	var result map[string]string
	err := filelock.WithLock(r.lockPath(), true, func() error {
		doc, err := r.loadUnlocked()
		if err != nil {
			return err
		}
		result = make(map[string]string, len(doc.Threads))
		for k, v := range doc.Threads {
			result[k] = v
		}
		return nil
	})
	return result, err
}

func (r *Registry) lockPath() string {
	return r.path + ".lock"
}

func (r *Registry) loadUnlocked() (document, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return document{Version: Version, Threads: map[string]string{}}, nil
	}
	if err != nil {
		return document{}, errkind.Wrap(errkind.Fatal, "read thread registry", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, errkind.Wrap(errkind.Validation, "parse thread registry", err)
	}
	if doc.Threads == nil {
		doc.Threads = map[string]string{}
	}
	if doc.Version == 0 {
		doc.Version = Version
	}
	return doc, nil
}

func (r *Registry) saveUnlocked(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshal thread registry", err)
	}
	return filelock.AtomicWrite(r.path, data, 0o644)
}
