package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/chunkwatch/internal/events"
	"github.com/JakeFAU/chunkwatch/internal/hash/sha256"
)

// lineExtractor treats every line starting with "js:" as a chunk URL.
type lineExtractor struct{}

var errNoChunks = errors.New("no chunks found")

func (lineExtractor) Extract(_ string, html string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(html, "\n") {
		if u, ok := strings.CutPrefix(strings.TrimSpace(line), "js:"); ok {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil, errNoChunks
	}
	return out, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeResolver struct {
	mu    sync.Mutex
	addrs []netip.Addr
	errs  []error
	calls int
}

func (r *fakeResolver) Resolve(context.Context, string, bool) ([]netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return r.addrs, nil
}

// fakeFetcher serves canned responses keyed by replica then URL.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]map[string]FetchResult
	errs      map[string]error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]map[string]FetchResult{}, errs: map[string]error{}}
}

func (f *fakeFetcher) serve(replica, url string, res FetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses[replica] == nil {
		f.responses[replica] = map[string]FetchResult{}
	}
	res.URL = url
	res.Replica = replica
	f.responses[replica][url] = res
}

func (f *fakeFetcher) html(replica, url, body string) {
	f.serve(replica, url, FetchResult{StatusCode: 200, Headers: header("text/html"), Body: []byte(body)})
}

func (f *fakeFetcher) js(replica, url, body string) {
	f.serve(replica, url, FetchResult{StatusCode: 200, Headers: header("application/javascript"), Body: []byte(body)})
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, replica netip.Addr) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return FetchResult{}, err
	}
	res, ok := f.responses[replica.String()][url]
	if !ok {
		return FetchResult{URL: url, Replica: replica.String(), StatusCode: 404, Headers: header("text/html")}, nil
	}
	return res, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages(stage events.Stage) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func header(contentType string) http.Header {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func hashOf(s string) string {
	return sha256.Sum([]byte(s))
}
