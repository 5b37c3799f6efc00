package transcode

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/models"
	"golang.org/x/text/unicode/norm"
)

// LinkRegistry remembers which source produced each finished derivative
// until the catalog reports the new file.
type LinkRegistry struct {
	mu      sync.Mutex
	pending map[string]pendingLink
}

type pendingLink struct {
	sourceID   models.ULID
	recordedAt time.Time
}

// NewLinkRegistry creates an empty registry.
func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{pending: make(map[string]pendingLink)}
}

// Record notes that path was produced from sourceID.
func (r *LinkRegistry) Record(path string, sourceID models.ULID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[linkKey(path)] = pendingLink{sourceID: sourceID, recordedAt: time.Now()}
}

// Take returns and forgets the source recorded for path.
func (r *LinkRegistry) Take(path string) (models.ULID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := linkKey(path)
	link, ok := r.pending[key]
	if !ok {
		return models.ULID{}, false
	}
	delete(r.pending, key)
	return link.sourceID, true
}

// Prune forgets links older than maxAge and returns how many were dropped.
func (r *LinkRegistry) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	n := 0
	for key, link := range r.pending {
		if link.recordedAt.Before(cutoff) {
			delete(r.pending, key)
			n++
		}
	}
	return n
}

// Len returns the number of pending links.
func (r *LinkRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// linkKey normalizes a path so the catalog's spelling of it matches ours.
func linkKey(path string) string {
	return norm.NFC.String(filepath.Clean(path))
}
