// Package directory resolves entity ids to the owning device's display
// metadata. The authoritative entity/device/area registries live in Home
// Assistant; this package holds a read-only snapshot of them and is injected
// wherever enrichment is needed.
package directory

import "sync"

// Info is the display metadata resolved for one entity.
type Info struct {
	DisplayName  string
	Manufacturer string
	Model        string
	AreaID       string
	AreaName     string
	DeviceClass  string
}

// Resolver looks up display metadata for an entity id.
type Resolver interface {
	Resolve(entityID string) (Info, bool)
}

// Directory is a Resolver backed by a replaceable snapshot of the host
// registries. Replace swaps the whole snapshot; lookups are lock-cheap.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Info
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		entries: make(map[string]Info),
	}
}

// Replace installs a new registry snapshot.
func (d *Directory) Replace(entries map[string]Info) {
	copied := make(map[string]Info, len(entries))
	for id, info := range entries {
		copied[id] = info
	}

	d.mu.Lock()
	d.entries = copied
	d.mu.Unlock()
}

// Set updates a single entry.
func (d *Directory) Set(entityID string, info Info) {
	d.mu.Lock()
	d.entries[entityID] = info
	d.mu.Unlock()
}

// Resolve returns the metadata for entityID, if known.
func (d *Directory) Resolve(entityID string) (Info, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.entries[entityID]
	return info, ok
}

// Len returns the number of known entities.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Static is a fixed-map Resolver for tests.
type Static map[string]Info

// Resolve implements Resolver.
func (s Static) Resolve(entityID string) (Info, bool) {
	info, ok := s[entityID]
	return info, ok
}
