package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/events"
	"github.com/JakeFAU/chunkwatch/internal/extract"
	"github.com/JakeFAU/chunkwatch/internal/hash/sha256"
)

const (
	target  = "https://example.com/"
	mainJS  = "https://example.com/static/js/main.aaaa.chunk.js"
	vendor  = "https://example.com/static/js/1.bbbb.chunk.js"
	newMain = "https://example.com/static/js/main.cccc.chunk.js"
)

var (
	replicaA = netip.MustParseAddr("10.0.0.1")
	replicaB = netip.MustParseAddr("10.0.0.2")
)

type harness struct {
	resolver *fakeResolver
	fetcher  *fakeFetcher
	clock    *stepClock
	emitter  *recordingEmitter
	checker  *Checker
}

func newHarness(t *testing.T, mutate func(*CheckerConfig)) *harness {
	t.Helper()
	h := &harness{
		resolver: &fakeResolver{addrs: []netip.Addr{replicaA, replicaB}},
		fetcher:  newFakeFetcher(),
		clock:    newStepClock(),
		emitter:  &recordingEmitter{},
	}
	cfg := CheckerConfig{
		Resolver:  h.resolver,
		Fetcher:   h.fetcher,
		Extractor: lineExtractor{},
		Hasher:    sha256.New(),
		Clock:     h.clock,
		Emitter:   h.emitter,
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewChecker(cfg)
	require.NoError(t, err)
	h.checker = c
	return h
}

func TestCheckerConsistentReplicas(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	html := "js:" + mainJS + "\njs:" + vendor
	for _, r := range []string{replicaA.String(), replicaB.String()} {
		h.fetcher.html(r, target, html)
		h.fetcher.js(r, mainJS, "main()")
		h.fetcher.js(r, vendor, "vendor()")
	}

	st := NewState()
	res, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)

	want := ReplicaResult{
		HTMLHash: hashOf(html),
		JSStatus: map[string]ChunkStatus{
			mainJS: {Hash: hashOf("main()")},
			vendor: {Hash: hashOf("vendor()")},
		},
	}
	require.Len(t, res, 2)
	require.True(t, res[replicaA.String()].Equal(want))
	require.True(t, res[replicaB.String()].Equal(want))
	require.Len(t, st.Versions, 1)
	require.Len(t, st.ReferenceContent, 2)
	require.Len(t, h.emitter.stages(events.StageVersionNew), 1)
	require.Len(t, h.emitter.stages(events.StageFetchDone), 6)
	require.Len(t, h.emitter.stages(events.StageCycleDone), 1)
}

func TestCheckerDetectsDriftAndChangedChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	oldHTML := "js:" + mainJS
	h.fetcher.html(replicaA.String(), target, oldHTML)
	h.fetcher.html(replicaB.String(), target, oldHTML)
	h.fetcher.js(replicaA.String(), mainJS, "v1")
	h.fetcher.js(replicaB.String(), mainJS, "v1")

	st := NewState()
	_, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)

	// Replica B deploys a new HTML version and silently changes the old chunk.
	h.clock.Advance(time.Minute)
	newHTML := "js:" + newMain
	h.fetcher.html(replicaB.String(), target, newHTML)
	h.fetcher.js(replicaB.String(), mainJS, "v1-patched")
	h.fetcher.js(replicaB.String(), newMain, "v2")

	res, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)
	require.Len(t, st.Versions, 2)

	a := res[replicaA.String()]
	b := res[replicaB.String()]
	require.Equal(t, hashOf(oldHTML), a.HTMLHash)
	require.Equal(t, hashOf(newHTML), b.HTMLHash)

	// Both replicas are checked against the union of known chunk URLs.
	require.Equal(t, ChunkStatus{Hash: hashOf("v1")}, a.JSStatus[mainJS])
	require.Equal(t, ChunkStatus{ErrCode: "404"}, a.JSStatus[newMain])
	require.Equal(t, ChunkStatus{Hash: hashOf("v2")}, b.JSStatus[newMain])
	require.Equal(t, ChunkStatus{
		ErrCode:         ErrCodeChangedHash,
		ExpectedHash:    hashOf("v1"),
		GotHash:         hashOf("v1-patched"),
		ExpectedContent: "v1",
		GotContent:      "v1-patched",
	}, b.JSStatus[mainJS])
	require.Equal(t, ReferenceEntry{Hash: hashOf("v1"), Content: "v1"}, st.ReferenceContent[mainJS])

	changed := h.emitter.stages(events.StageChunkChanged)
	require.Len(t, changed, 1)
	require.Equal(t, replicaB.String(), changed[0].Replica)
}

func TestCheckerRecordsHTMLErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.js(replicaA.String(), mainJS, "main()")
	h.fetcher.serve(replicaB.String(), target, FetchResult{ErrCode: "error ETIMEDOUT"})

	res, err := h.checker.Check(context.Background(), target, NewState(), false)
	require.NoError(t, err)
	b := res[replicaB.String()]
	require.Equal(t, "error ETIMEDOUT", b.HTMLError)
	require.Empty(t, b.HTMLHash)
	require.Equal(t, ChunkStatus{ErrCode: "404"}, b.JSStatus[mainJS])
}

func TestCheckerExtractionFailureIsReplicaError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.js(replicaA.String(), mainJS, "main()")
	h.fetcher.html(replicaB.String(), target, "<html>maintenance</html>")

	st := NewState()
	res, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)
	require.Equal(t, errNoChunks.Error(), res[replicaB.String()].HTMLError)
	require.Len(t, st.Versions, 1)
}

func TestCheckerResolutionRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.resolver.errs = []error{errors.New("servfail"), errors.New("servfail")}
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.html(replicaB.String(), target, "js:"+mainJS)

	_, err := h.checker.Check(context.Background(), target, NewState(), false)
	require.NoError(t, err)
	require.Equal(t, 3, h.resolver.calls)
}

func TestCheckerResolutionFailureAbortsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *CheckerConfig) { cfg.ResolveAttempts = 2 })
	h.resolver.errs = []error{errors.New("servfail"), errors.New("nxdomain")}

	st := NewState()
	res, err := h.checker.Check(context.Background(), target, st, false)
	require.Nil(t, res)
	require.True(t, IsResolutionError(err))
	require.ErrorContains(t, err, "nxdomain")
	require.Equal(t, 2, h.resolver.calls)
	require.Empty(t, st.Runs)

	aborted := h.emitter.stages(events.StageCycleError)
	require.Len(t, aborted, 1)
	require.Equal(t, string(KindResolution), aborted[0].Outcome)
}

func TestCheckerFetcherErrorIsTransportError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.errs[target] = errors.New("unsupported scheme")

	_, err := h.checker.Check(context.Background(), target, NewState(), false)
	require.True(t, IsTransportError(err))
	var ce *CheckError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindTransport, ce.Kind)
}

func TestCheckerRejectsURLWithoutHost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.checker.Check(context.Background(), "/relative", NewState(), false)
	require.True(t, IsTransportError(err))
}

func TestCheckerMaxVersionsBoundsChunkSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *CheckerConfig) { cfg.MaxVersions = 1 })
	h.resolver.addrs = []netip.Addr{replicaA}
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.js(replicaA.String(), mainJS, "v1")

	st := NewState()
	_, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	h.fetcher.html(replicaA.String(), target, "js:"+newMain)
	h.fetcher.js(replicaA.String(), newMain, "v2")
	res, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)
	require.Equal(t, map[string]ChunkStatus{newMain: {Hash: hashOf("v2")}}, res[replicaA.String()].JSStatus)
}

func TestNewCheckerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewChecker(CheckerConfig{})
	require.Error(t, err)
	_, err = NewChecker(CheckerConfig{
		Resolver: &fakeResolver{}, Fetcher: newFakeFetcher(), Extractor: lineExtractor{},
		Hasher: sha256.New(), Clock: newStepClock(), MaxVersions: -1,
	})
	require.Error(t, err)
}

func TestCheckerUsesCycleIDFromContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.html(replicaB.String(), target, "js:"+mainJS)

	id := uuid.New()
	_, err := h.checker.Check(WithCycleID(context.Background(), id), target, NewState(), false)
	require.NoError(t, err)

	starts := h.emitter.stages(events.StageCycleStart)
	require.Len(t, starts, 1)
	require.Equal(t, id, starts[0].CycleUUID())
	for _, evt := range h.emitter.stages(events.StageFetchDone) {
		require.Equal(t, id, evt.CycleUUID())
	}

	_, ok := CycleIDFromContext(context.Background())
	require.False(t, ok)
}

func TestCheckerIgnoresNonHTTPScriptSources(t *testing.T) {
	t.Parallel()

	const (
		inlineJS = "data:text/javascript,void 0"
		appJS    = "https://example.com/main.js"
	)
	h := newHarness(t, func(cfg *CheckerConfig) { cfg.Extractor = extract.New() })
	h.resolver.addrs = []netip.Addr{replicaA}
	h.fetcher.html(replicaA.String(), target,
		`<html><body><script src="/main.js"></script><script src="`+inlineJS+`"></script></body></html>`)
	h.fetcher.js(replicaA.String(), appJS, "main()")
	h.fetcher.errs[inlineJS] = errors.New(`unsupported scheme "data"`)

	st := NewState()
	for range 2 {
		res, err := h.checker.Check(context.Background(), target, st, false)
		require.NoError(t, err)
		require.Equal(t, map[string]ChunkStatus{appJS: {Hash: hashOf("main()")}}, res[replicaA.String()].JSStatus)
	}
	require.Len(t, st.Versions, 1)
	require.Equal(t, []string{appJS}, st.Versions[0].JSURLs)
}

func TestCheckerRejectedChunkURLIsChunkError(t *testing.T) {
	t.Parallel()

	const blobJS = "blob:https://example.com/1234"
	h := newHarness(t, nil)
	h.resolver.addrs = []netip.Addr{replicaA}
	html := "js:" + mainJS
	h.fetcher.html(replicaA.String(), target, html)
	h.fetcher.js(replicaA.String(), mainJS, "main()")
	h.fetcher.errs[blobJS] = errors.New(`unsupported scheme "blob"`)

	st := NewState()
	st.Versions = []Version{{
		HTMLHash:  hashOf(html),
		HTML:      html,
		FirstSeen: h.clock.Now(),
		LastSeen:  h.clock.Now(),
		JSURLs:    []string{blobJS, mainJS},
	}}

	res, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)
	require.Equal(t, map[string]ChunkStatus{
		blobJS: {ErrCode: ErrCodeInvalidURL},
		mainJS: {Hash: hashOf("main()")},
	}, res[replicaA.String()].JSStatus)
}

func TestCheckerCanceledChunkFetchAbortsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.resolver.addrs = []netip.Addr{replicaA}
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.errs[mainJS] = fmt.Errorf("fetch %s: %w", mainJS, context.Canceled)

	_, err := h.checker.Check(context.Background(), target, NewState(), false)
	require.True(t, IsTransportError(err))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckerStampsVersionsOncePerCycle(t *testing.T) {
	t.Parallel()

	clock := &tickingClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h := newHarness(t, func(cfg *CheckerConfig) { cfg.Clock = clock })
	h.fetcher.html(replicaA.String(), target, "js:"+mainJS)
	h.fetcher.html(replicaB.String(), target, "js:"+newMain)

	st := NewState()
	_, err := h.checker.Check(context.Background(), target, st, false)
	require.NoError(t, err)
	require.Len(t, st.Versions, 2)
	require.Equal(t, st.Versions[0].FirstSeen, st.Versions[1].FirstSeen)
	require.Equal(t, st.Versions[0].LastSeen, st.Versions[1].LastSeen)
}

// tickingClock moves forward a second on every read.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
