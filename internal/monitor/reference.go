package monitor

import (
	"regexp"
	"strconv"
	"sync"
)

var scriptContentType = regexp.MustCompile(`javascript|ecmascript`)

// ReferenceStore keeps the first successfully fetched content of every JS URL
// and compares later fetches against it. It writes through to the map it wraps.
type ReferenceStore struct {
	mu      sync.Mutex
	entries map[string]ReferenceEntry
}

// NewReferenceStore wraps entries, typically State.ReferenceContent.
func NewReferenceStore(entries map[string]ReferenceEntry) *ReferenceStore {
	if entries == nil {
		entries = map[string]ReferenceEntry{}
	}
	return &ReferenceStore{entries: entries}
}

// Verify compares content against the reference for url, recording it as the
// reference when none exists yet. Entries are never overwritten.
func (r *ReferenceStore) Verify(url, content, hash string) ChunkStatus {
	r.mu.Lock()
	ref, ok := r.entries[url]
	if !ok {
		r.entries[url] = ReferenceEntry{Hash: hash, Content: content}
	}
	r.mu.Unlock()

	if !ok || ref.Hash == hash {
		return ChunkStatus{Hash: hash}
	}
	return ChunkStatus{
		ErrCode:         ErrCodeChangedHash,
		ExpectedHash:    ref.Hash,
		GotHash:         hash,
		ExpectedContent: ref.Content,
		GotContent:      content,
	}
}

// Lookup returns the reference entry for url.
func (r *ReferenceStore) Lookup(url string) (ReferenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[url]
	return e, ok
}

// Classify decides whether a chunk fetch is eligible for hashing. When it is
// not, the returned status carries the error code and ok is false.
func Classify(res FetchResult) (status ChunkStatus, ok bool) {
	switch {
	case res.Failed():
		return ChunkStatus{ErrCode: res.ErrCode}, false
	case res.StatusCode != 200:
		return ChunkStatus{ErrCode: strconv.Itoa(res.StatusCode)}, false
	}
	ct := res.Headers.Get("Content-Type")
	switch {
	case ct == "":
		return ChunkStatus{ErrCode: ErrCodeNoContentType}, false
	case !scriptContentType.MatchString(ct):
		return ChunkStatus{ErrCode: ErrCodeSoftNotFound}, false
	}
	return ChunkStatus{}, true
}

// HTMLError renders the htmlError of a replica whose HTML fetch did not succeed,
// or "" when the fetch returned 200.
func HTMLError(res FetchResult) string {
	switch {
	case res.Failed():
		return res.ErrCode
	case res.StatusCode != 200:
		return "HTTP " + strconv.Itoa(res.StatusCode)
	}
	return ""
}
