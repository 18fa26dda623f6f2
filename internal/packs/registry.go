// ABOUTME: Thread-safe registry for procedure packs served by the gateway.
// ABOUTME: Manages pack registration, name collisions and procedure lookup.

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrPackAlreadyRegistered indicates a pack with the same ID is already registered.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// ErrPackNotFound indicates the specified pack was not found.
var ErrPackNotFound = errors.New("pack not found")

// ErrToolCollision indicates a procedure name already exists in another pack.
var ErrToolCollision = errors.New("tool name collision")

// Pack is a named group of procedures.
type Pack struct {
	ID         string
	Procedures []*Procedure
}

type entry struct {
	proc   *Procedure
	packID string
}

// Registry maintains the registered packs and their procedures.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string][]string // pack ID -> procedure names
	procs  map[string]*entry   // procedure name -> entry
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string][]string),
		procs:  make(map[string]*entry),
		logger: logger.With("component", "packs"),
	}
}

// Register stores procs under packID. Nothing is registered if the pack
// exists or any name collides.
func (r *Registry) Register(packID string, procs ...*Procedure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.packs[packID]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, packID)
	}

	seen := make(map[string]bool, len(procs))
	for _, p := range procs {
		if p == nil || p.Name == "" || p.Execute == nil {
			return fmt.Errorf("pack %s: procedure needs a name and an executor", packID)
		}
		if existing, exists := r.procs[p.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'",
				ErrToolCollision, p.Name, existing.packID)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: tool '%s' appears twice in pack '%s'", ErrToolCollision, p.Name, packID)
		}
		seen[p.Name] = true
	}

	names := make([]string, 0, len(procs))
	for _, p := range procs {
		r.procs[p.Name] = &entry{proc: p, packID: packID}
		names = append(names, p.Name)
	}
	r.packs[packID] = names

	r.logger.Info("pack registered",
		"pack_id", packID,
		"tool_count", len(procs),
		"total_tools", len(r.procs),
	)
	return nil
}

// RegisterPack registers pack.Procedures under pack.ID.
func (r *Registry) RegisterPack(pack Pack) error {
	return r.Register(pack.ID, pack.Procedures...)
}

// Unregister removes a pack and all its procedures.
func (r *Registry) Unregister(packID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, exists := r.packs[packID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPackNotFound, packID)
	}
	for _, name := range names {
		delete(r.procs, name)
	}
	delete(r.packs, packID)

	r.logger.Info("pack unregistered", "pack_id", packID, "total_tools", len(r.procs))
	return nil
}

// Get finds a procedure by name.
func (r *Registry) Get(name string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.procs[name]
	if !ok {
		return nil, false
	}
	return e.proc, true
}

// List returns every procedure ordered by name.
func (r *Registry) List() []*Procedure {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Procedure, 0, len(r.procs))
	for _, e := range r.procs {
		out = append(out, e.proc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PackInfo contains public information about a registered pack.
type PackInfo struct {
	ID        string   `json:"id"`
	ToolNames []string `json:"tools"`
}

// ListPacks returns every pack ordered by ID.
func (r *Registry) ListPacks() []PackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PackInfo, 0, len(r.packs))
	for id, names := range r.packs {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		out = append(out, PackInfo{ID: id, ToolNames: sorted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
