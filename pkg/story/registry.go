package story

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned when no pack matches a (story_id, version)
// lookup.
var ErrNotFound = errors.New("story pack not found")

type packKey struct {
	storyID string
	version int
}

// Registry resolves (story_id, version) to immutable pack views. Views
// are built once per key and cached; a publication event (see
// Listener) drops the cache and re-reads the pack directory.
type Registry struct {
	dir string

	mu     sync.RWMutex
	views  map[packKey]*View
	latest map[string]int
}

// NewRegistry creates a registry over the given pack directory. Call
// Reload before first use.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:    dir,
		views:  make(map[packKey]*View),
		latest: make(map[string]int),
	}
}

// Reload re-reads the pack directory, validates every document, and
// atomically swaps the cache. The builtin pack registers first so a
// directory copy with the same (story_id, version) overrides it. On
// error the previous cache stays in place.
func (r *Registry) Reload() error {
	packs := []*Pack{builtinPack()}
	loaded, err := loadPackDir(r.dir)
	if err != nil {
		return err
	}
	packs = append(packs, loaded...)

	views := make(map[packKey]*View, len(packs))
	latest := make(map[string]int, len(packs))
	for _, p := range packs {
		v, err := resolveView(p)
		if err != nil {
			return err
		}
		key := packKey{p.StoryID, p.Version}
		views[key] = v
		if p.Version > latest[p.StoryID] {
			latest[p.StoryID] = p.Version
		}
	}

	r.mu.Lock()
	r.views = views
	r.latest = latest
	r.mu.Unlock()

	slog.Info("Story registry loaded", "dir", r.dir, "packs", len(views))
	return nil
}

// Resolve returns the cached view for (storyID, version). Version <= 0
// selects the latest published version of the story.
func (r *Registry) Resolve(storyID string, version int) (*View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version <= 0 {
		v, ok := r.latest[storyID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, storyID)
		}
		version = v
	}
	view, ok := r.views[packKey{storyID, version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, storyID, version)
	}
	return view, nil
}

// Stats reports cache contents for the health endpoint.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]any{
		"stories": len(r.latest),
		"views":   len(r.views),
	}
}

// resolveView merges defaults into the pack, builds indices and
// validates the result.
func resolveView(p *Pack) (*View, error) {
	fallbacks, err := effectiveFallbacks(p)
	if err != nil {
		return nil, err
	}
	endings, err := effectiveEndings(p)
	if err != nil {
		return nil, err
	}
	v := buildView(p, fallbacks, endings)
	if err := validatePack(p, v); err != nil {
		return nil, err
	}
	return v, nil
}
