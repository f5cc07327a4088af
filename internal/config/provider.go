package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

const reloadDebounce = 250 * time.Millisecond

// Provider serves configuration snapshots to the orchestration engine.
// Reload swaps the snapshot atomically under a lock; requests in flight
// keep the snapshot they captured at start.
type Provider struct {
	log  *logrus.Logger
	path string

	mu      sync.RWMutex
	current models.ConfigSnapshot

	watcher   *fsnotify.Watcher
	stop      chan struct{}
	closeOnce sync.Once
}

// NewProvider loads the council file at path and returns a provider serving
// its snapshot.
func NewProvider(path string, log *logrus.Logger) (*Provider, error) {
	p := &Provider{
		log:  log,
		path: path,
		stop: make(chan struct{}),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticProvider wraps a fixed snapshot. Used by tests and embedders that
// manage configuration themselves.
func NewStaticProvider(snap models.ConfigSnapshot) *Provider {
	return &Provider{
		log:     logrus.New(),
		current: snap,
		stop:    make(chan struct{}),
	}
}

func (p *Provider) CouncilConfig() models.CouncilConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Council
}

func (p *Provider) DeliberationConfig() models.DeliberationConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Deliberation
}

func (p *Provider) SynthesisConfig() models.SynthesisConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Synthesis
}

func (p *Provider) PerformanceConfig() models.PerformanceConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Performance
}

// Snapshot returns the full current view in one read.
func (p *Provider) Snapshot() models.ConfigSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Reload re-reads the council file and swaps the snapshot. On failure the
// previous snapshot stays in place.
func (p *Provider) Reload() error {
	file, err := LoadCouncilFile(p.path)
	if err != nil {
		return err
	}
	snap := file.Snapshot()

	p.mu.Lock()
	p.current = snap
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"path":     p.path,
		"members":  len(snap.Council.Members),
		"strategy": snap.Synthesis.Strategy,
	}).Info("Council configuration loaded")
	return nil
}

// Watch starts watching the council file for changes and reloads on write.
// The parent directory is watched because most editors replace the file
// wholesale rather than writing in place.
func (p *Provider) Watch() error {
	if p.path == "" {
		return fmt.Errorf("council config: no path to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("council config: watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("council config: watch %s: %w", p.path, err)
	}
	p.watcher = watcher
	go p.watchLoop()
	return nil
}

func (p *Provider) watchLoop() {
	base := filepath.Base(p.path)
	var pending *time.Timer

	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Editors fire several events per save; collapse them into
			// one reload.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				if err := p.Reload(); err != nil {
					p.log.WithError(err).Warn("Council configuration reload failed, keeping previous snapshot")
				}
			})

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.WithError(err).Error("Council configuration watcher error")

		case <-p.stop:
			return
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}
