// Package prompt resolves named system prompts. Resolution order: an
// operator override file on disk, then the memory service, then the built-in
// fallback table. Strict deployments forbid the fallback so a missing prompt
// fails the attempt instead of silently using a stale default.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"codesmith/internal/types"
)

// Prompt names the core resolves.
const (
	CodeGeneration = "code_generation"
	CodeFix        = "code_fix"
	CodeValidation = "code_validation"
	Planning       = "task_planning"
)

// Source is the memory-service slice the registry reads.
type Source interface {
	GetPrompt(ctx context.Context, name string) (string, error)
}

// Options configures a Registry.
type Options struct {
	// Dir is an optional override directory: <name>.txt files there win over
	// every other source and hot-reload on change.
	Dir string
	// Strict forbids the built-in fallback table.
	Strict bool
}

// Registry resolves prompts by name.
type Registry struct {
	source    Source
	opts      Options
	mu        sync.RWMutex
	overrides map[string]string
	watcher   *fsnotify.Watcher
	done      chan struct{}
	logger    *zap.Logger
}

// New builds a registry. When opts.Dir is set the directory is loaded and
// watched; a watch failure only disables hot reload.
func New(source Source, opts Options, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		source:    source,
		opts:      opts,
		overrides: make(map[string]string),
		done:      make(chan struct{}),
		logger:    logger.Named("prompt"),
	}
	if opts.Dir != "" {
		if err := r.loadOverrides(); err != nil {
			return nil, fmt.Errorf("prompt overrides: %w", err)
		}
		r.watch()
	}
	return r, nil
}

// Get resolves one prompt. The returned error carries
// MemoryServiceUnavailable only when every source failed.
func (r *Registry) Get(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	override, ok := r.overrides[name]
	r.mu.RUnlock()
	if ok {
		return override, nil
	}

	if r.source != nil {
		text, err := r.source.GetPrompt(ctx, name)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			r.logger.Debug("prompt fetch failed", zap.String("name", name), zap.Error(err))
		}
	}

	if r.opts.Strict {
		return "", types.Ef(types.KindMemoryServiceUnavailable, "prompt.get", "prompt %q unavailable and fallbacks are forbidden", name)
	}
	if text, ok := fallbacks[name]; ok {
		r.logger.Warn("using fallback prompt", zap.String("name", name))
		return text, nil
	}
	return "", types.Ef(types.KindMemoryServiceUnavailable, "prompt.get", "no prompt named %q", name)
}

// Close stops the override watcher.
func (r *Registry) Close() {
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
	}
}

func (r *Registry) loadOverrides() error {
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	loaded := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.opts.Dir, entry.Name()))
		if err != nil {
			r.logger.Warn("unreadable override", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		loaded[name] = strings.TrimSpace(string(data))
	}
	r.mu.Lock()
	r.overrides = loaded
	r.mu.Unlock()
	if len(loaded) > 0 {
		r.logger.Info("prompt overrides loaded", zap.Int("count", len(loaded)))
	}
	return nil
}

func (r *Registry) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("override hot reload disabled", zap.Error(err))
		return
	}
	if err := watcher.Add(r.opts.Dir); err != nil {
		r.logger.Warn("override hot reload disabled", zap.Error(err))
		watcher.Close()
		return
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.loadOverrides(); err != nil {
					r.logger.Warn("override reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("override watcher error", zap.Error(err))
			}
		}
	}()
}
