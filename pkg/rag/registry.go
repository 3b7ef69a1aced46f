package rag

import (
	"sync"
)

// VersionRegistry maps document ids to their last ingested content hash.
// It is a single-writer structure per pipeline; concurrent sync runs on the
// same pipeline are undefined.
type VersionRegistry struct {
	mu       sync.RWMutex
	versions map[string]string
}

func NewVersionRegistry() *VersionRegistry {
	return &VersionRegistry{versions: make(map[string]string)}
}

// Get returns the registered hash for id.
func (r *VersionRegistry) Get(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hash, ok := r.versions[id]
	return hash, ok
}

// Set records the hash for id.
func (r *VersionRegistry) Set(id, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[id] = hash
}

// Delete unregisters id.
func (r *VersionRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.versions, id)
}

// Clear unregisters everything.
func (r *VersionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = make(map[string]string)
}

// IDs returns all registered document ids.
func (r *VersionRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.versions))
	for id := range r.versions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered documents.
func (r *VersionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions)
}
