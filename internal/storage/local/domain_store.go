// Package local implements a domain store backed by a YAML file on the local
// filesystem, reloaded whenever the file changes.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// Config captures the parameters for the file-backed domain store.
type Config struct {
	// Path is the YAML file holding the domain table.
	Path string `mapstructure:"path" yaml:"path"`
}

// domainFile is the on-disk layout:
//
//	domains:
//	  shop.example.com:
//	    workspaceId: w1
//	    projectId: p1
//	    environment: production
//	    domainType: custom
type domainFile struct {
	Domains map[string]routing.DomainConfig `yaml:"domains"`
}

type domainTable map[string]routing.DomainConfig

// ReloadFunc receives the hostnames whose record was added, changed, or
// removed by a reload.
type ReloadFunc func(changed []string)

// Store serves lookups from the last successfully parsed version of the file.
type Store struct {
	path    string
	domains atomic.Pointer[domainTable]
	logger  *zap.Logger

	mu       sync.Mutex
	onReload ReloadFunc
}

// New loads the domain file and returns a Store serving it.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("domain file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: filepath.Clean(cfg.Path), logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the domain file and atomically swaps the table. On error the
// previous table stays in service.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read domain file: %w", err)
	}
	// A truncate-then-write edit can be observed half done; never swap in an empty table.
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("domain file %s is empty", s.path)
	}
	var file domainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse domain file: %w", err)
	}
	table := make(domainTable, len(file.Domains))
	for host, cfg := range file.Domains {
		key := routing.NormalizeHost(host)
		if key == "" || cfg.WorkspaceID == "" || cfg.ProjectID == "" {
			s.logger.Warn("skipping incomplete domain record", zap.String("host", host))
			continue
		}
		table[key] = cfg
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.domains.Swap(&table)
	s.logger.Info("domain file loaded", zap.String("path", s.path), zap.Int("domains", len(table)))
	if previous != nil && s.onReload != nil {
		if changed := diff(*previous, table); len(changed) > 0 {
			s.onReload(changed)
		}
	}
	return nil
}

// OnReload registers fn to run after every reload that changed at least one
// hostname. It replaces any earlier registration.
func (s *Store) OnReload(fn ReloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = fn
}

func diff(before, after domainTable) []string {
	var changed []string
	for host, cfg := range after {
		if old, ok := before[host]; !ok || old != cfg {
			changed = append(changed, host)
		}
	}
	for host := range before {
		if _, ok := after[host]; !ok {
			changed = append(changed, host)
		}
	}
	sort.Strings(changed)
	return changed
}

// Resolve returns the record stored for hostname.
func (s *Store) Resolve(_ context.Context, hostname string) (routing.DomainConfig, error) {
	table := s.domains.Load()
	if table != nil {
		if cfg, ok := (*table)[hostname]; ok {
			return cfg, nil
		}
	}
	return routing.DomainConfig{}, fmt.Errorf("%s: %w", hostname, routing.ErrNotFound)
}

// Ping checks that the domain file is still readable.
func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("stat domain file: %w", err)
	}
	return nil
}

// Watch reloads the table whenever the file is written, created, or renamed
// into place. It blocks until ctx is canceled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() {
		if cerr := watcher.Close(); cerr != nil {
			s.logger.Warn("file watcher close failed", zap.Error(cerr))
		}
	}()

	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch domain directory: %w", err)
	}
	base := filepath.Base(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Remove) {
				s.logger.Warn("domain file removed; keeping last loaded table", zap.String("path", s.path))
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if err := s.Reload(); err != nil {
					if errors.Is(err, os.ErrNotExist) {
						continue
					}
					s.logger.Warn("domain file reload failed", zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
