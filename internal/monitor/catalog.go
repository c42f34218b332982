package monitor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Catalog deduplicates observed HTML payloads into Versions stored on a State.
// It is safe for concurrent use by the HTML fan-out of one cycle.
type Catalog struct {
	mu        sync.Mutex
	state     *State
	index     map[string]int
	extractor Extractor
	hasher    Hasher
}

// NewCatalog wraps the versions of st.
func NewCatalog(st *State, extractor Extractor, hasher Hasher) *Catalog {
	c := &Catalog{state: st, extractor: extractor, hasher: hasher}
	c.reindex()
	return c
}

// Observe records one sighting of html. A known hash only advances LastSeen;
// a new hash is extracted and appended. Extraction failure creates no Version.
func (c *Catalog) Observe(baseURL, html string, now time.Time) (Version, error) {
	v, _, err := c.observe(baseURL, html, now)
	return v, err
}

func (c *Catalog) observe(baseURL, html string, now time.Time) (Version, bool, error) {
	hash, err := c.hasher.Hash([]byte(html))
	if err != nil {
		return Version{}, false, fmt.Errorf("hash html: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[hash]; ok {
		v := &c.state.Versions[i]
		if now.After(v.LastSeen) {
			v.LastSeen = now
		}
		return *v, false, nil
	}

	urls, err := c.extractor.Extract(baseURL, html)
	if err != nil {
		return Version{}, false, err
	}
	v := Version{
		HTMLHash:  hash,
		HTML:      html,
		FirstSeen: now,
		LastSeen:  now,
		JSURLs:    urls,
	}
	c.state.Versions = append(c.state.Versions, v)
	c.index[hash] = len(c.state.Versions) - 1
	return v, true, nil
}

// Sort orders versions by LastSeen, ties broken by hash.
func (c *Catalog) Sort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	SortVersions(c.state.Versions)
	c.reindex()
}

// ChunkURLs returns the sorted union of JS URLs across the newest limit
// versions (all versions when limit <= 0). Call after Sort.
func (c *Catalog) ChunkURLs(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	versions := c.state.Versions
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}
	seen := make(map[string]struct{})
	var out []string
	for _, v := range versions {
		for _, u := range v.JSURLs {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out
}

func (c *Catalog) reindex() {
	c.index = make(map[string]int, len(c.state.Versions))
	for i, v := range c.state.Versions {
		c.index[v.HTMLHash] = i
	}
}

// SortVersions orders versions by (LastSeen, HTMLHash).
func SortVersions(versions []Version) {
	slices.SortStableFunc(versions, func(a, b Version) int {
		if c := a.LastSeen.Compare(b.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.HTMLHash, b.HTMLHash)
	})
}
