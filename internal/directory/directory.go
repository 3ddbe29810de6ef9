// Package directory keeps one negotiation engine per rendering container.
package directory

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/negotiation"
)

var ErrClosed = errors.New("directory closed")

// Factory builds the engine for a container the first time it is requested.
type Factory func(containerID string, constraints models.MediaConstraints) (*negotiation.Engine, error)

// Directory maps container ids to engines. The first request for a container
// decides its constraints. An engine that has been destroyed, by its owner or
// after its session ended, is dropped on the next lookup, so the container
// gets a fresh engine and fresh constraints.
type Directory struct {
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	engines map[string]*negotiation.Engine
	closed  bool
}

func New(factory Factory, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		factory: factory,
		log:     logger,
		engines: make(map[string]*negotiation.Engine),
	}
}

// GetOrCreate returns the engine for containerID, creating it on first use.
// Constraints passed while the engine is alive are ignored.
func (d *Directory) GetOrCreate(containerID string, constraints models.MediaConstraints) (*negotiation.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	if e, ok := d.liveLocked(containerID); ok {
		if constraints != e.Constraints() {
			d.log.Warn("container already has an engine, new media constraints ignored",
				"container", containerID, "kept", e.Constraints(), "ignored", constraints)
		}
		return e, nil
	}

	e, err := d.factory(containerID, constraints)
	if err != nil {
		return nil, err
	}
	d.engines[containerID] = e
	d.log.Debug("engine created", "container", containerID, "session", e.ID())
	return e, nil
}

// Get returns the cached engine for containerID, unless it has been destroyed.
func (d *Directory) Get(containerID string) (*negotiation.Engine, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveLocked(containerID)
}

// Containers lists the container ids with a live engine, sorted.
func (d *Directory) Containers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.engines))
	for id := range d.engines {
		if _, ok := d.liveLocked(id); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// liveLocked returns the engine for id, evicting it if it is closed.
func (d *Directory) liveLocked(id string) (*negotiation.Engine, bool) {
	e, ok := d.engines[id]
	if !ok {
		return nil, false
	}
	if e.State() == negotiation.StateClosed {
		delete(d.engines, id)
		d.log.Debug("closed engine evicted", "container", id, "session", e.ID())
		return nil, false
	}
	return e, true
}

// Release destroys and forgets the engine for containerID.
func (d *Directory) Release(containerID string) {
	d.mu.Lock()
	e, ok := d.engines[containerID]
	delete(d.engines, containerID)
	d.mu.Unlock()

	if ok {
		e.Destroy()
	}
}

// Close destroys every engine. Later GetOrCreate calls fail with ErrClosed.
func (d *Directory) Close() {
	d.mu.Lock()
	engines := d.engines
	d.engines = make(map[string]*negotiation.Engine)
	d.closed = true
	d.mu.Unlock()

	for _, e := range engines {
		e.Destroy()
	}
}
