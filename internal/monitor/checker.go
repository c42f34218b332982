package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chunkwatch/internal/events"
)

const (
	defaultResolveAttempts = 3
	defaultMaxParallel     = 32
)

// IDGenerator issues cycle identifiers.
type IDGenerator interface {
	NewCycleID() (uuid.UUID, error)
}

// CheckerConfig wires a Checker. Resolver, Fetcher, Extractor, Hasher and Clock
// are required.
type CheckerConfig struct {
	Resolver  Resolver
	Fetcher   Fetcher
	Extractor Extractor
	Hasher    Hasher
	Clock     Clock
	IDs       IDGenerator
	Emitter   events.Emitter
	Logger    *zap.Logger
	Tracer    trace.Tracer

	// ResolveAttempts bounds replica resolution attempts (default 3).
	ResolveAttempts int
	// MaxParallel bounds concurrent chunk fetches (default 32).
	MaxParallel int
	// MaxVersions limits chunk checks to the URLs of the N most recently seen
	// versions. Zero checks every known version.
	MaxVersions int
}

// Checker runs check cycles.
type Checker struct {
	resolver  Resolver
	fetcher   Fetcher
	extractor Extractor
	hasher    Hasher
	clock     Clock
	ids       IDGenerator
	emitter   events.Emitter
	logger    *zap.Logger
	tracer    trace.Tracer

	resolveAttempts int
	maxParallel     int
	maxVersions     int
}

// NewChecker validates cfg and builds a Checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, errors.New("checker: resolver is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("checker: fetcher is required")
	case cfg.Extractor == nil:
		return nil, errors.New("checker: extractor is required")
	case cfg.Hasher == nil:
		return nil, errors.New("checker: hasher is required")
	case cfg.Clock == nil:
		return nil, errors.New("checker: clock is required")
	case cfg.MaxVersions < 0:
		return nil, errors.New("checker: max versions must be >= 0")
	}
	c := &Checker{
		resolver:        cfg.Resolver,
		fetcher:         cfg.Fetcher,
		extractor:       cfg.Extractor,
		hasher:          cfg.Hasher,
		clock:           cfg.Clock,
		ids:             cfg.IDs,
		emitter:         cfg.Emitter,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		resolveAttempts: cfg.ResolveAttempts,
		maxParallel:     cfg.MaxParallel,
		maxVersions:     cfg.MaxVersions,
	}
	if c.emitter == nil {
		c.emitter = events.Discard
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("checker")
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/JakeFAU/chunkwatch/internal/monitor")
	}
	if c.resolveAttempts <= 0 {
		c.resolveAttempts = defaultResolveAttempts
	}
	if c.maxParallel <= 0 {
		c.maxParallel = defaultMaxParallel
	}
	return c, nil
}

// cycle carries per-cycle identity for events.
type cycle struct {
	id     [16]byte
	target string
	c      *Checker
}

func (cy cycle) emit(evt events.Event) {
	evt.CycleID = cy.id
	evt.Target = cy.target
	if evt.TS.IsZero() {
		evt.TS = cy.c.clock.Now()
	}
	cy.c.emitter.Emit(evt)
}

type cycleIDKey struct{}

// WithCycleID returns a context under which Check tags its events with id
// instead of generating a fresh one.
func WithCycleID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

// CycleIDFromContext returns the id installed by WithCycleID.
func CycleIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(cycleIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func (c *Checker) newCycle(ctx context.Context, target string) cycle {
	if id, ok := CycleIDFromContext(ctx); ok {
		return cycle{id: events.UUIDToBytes(id), target: target, c: c}
	}
	id := uuid.New()
	if c.ids != nil {
		generated, err := c.ids.NewCycleID()
		if err != nil {
			c.logger.Warn("cycle id generation failed, using random id", zap.Error(err))
		} else {
			id = generated
		}
	}
	return cycle{id: events.UUIDToBytes(id), target: target, c: c}
}

// Check runs one cycle against htmlURL: it resolves every replica, fetches the
// HTML and every known chunk from each one, and records new versions and
// reference content on st. Per-fetch failures are part of the result; only
// resolution failure and fetcher errors abort the cycle with a *CheckError.
func (c *Checker) Check(ctx context.Context, htmlURL string, st *State, ipv4Only bool) (CheckResult, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.Check", trace.WithAttributes(attribute.String("check.url", htmlURL)))
	defer span.End()

	cy := c.newCycle(ctx, htmlURL)
	started := time.Now()
	cy.emit(events.Event{Stage: events.StageCycleStart})

	result, err := c.check(ctx, span, cy, htmlURL, st, ipv4Only)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		evt := events.Event{Stage: events.StageCycleError, Dur: time.Since(started), Note: err.Error()}
		var ce *CheckError
		if errors.As(err, &ce) {
			evt.Outcome = ce.Code
		}
		cy.emit(evt)
		c.logger.Warn("check cycle aborted", zap.String("url", htmlURL), zap.Error(err))
		return nil, err
	}

	cy.emit(events.Event{
		Stage: events.StageCycleDone,
		Dur:   time.Since(started),
		Note:  fmt.Sprintf("%d replicas, %d versions", len(result), len(st.Versions)),
	})
	return result, nil
}

func (c *Checker) check(
	ctx context.Context,
	span trace.Span,
	cy cycle,
	htmlURL string,
	st *State,
	ipv4Only bool,
) (CheckResult, error) {
	u, err := url.Parse(htmlURL)
	if err != nil {
		return nil, newCheckError(KindTransport, "EINVALIDURL", fmt.Errorf("parse url: %w", err))
	}
	if u.Hostname() == "" {
		return nil, newCheckError(KindTransport, "EINVALIDURL", fmt.Errorf("url %q has no host", htmlURL))
	}

	addrs, err := retry(ctx, c.resolveAttempts, func(ctx context.Context) ([]netip.Addr, error) {
		return c.resolver.Resolve(ctx, u.Hostname(), ipv4Only)
	})
	if err != nil {
		return nil, newCheckError(KindResolution, "", fmt.Errorf("resolve %s: %w", u.Hostname(), err))
	}
	if len(addrs) == 0 {
		return nil, newCheckError(KindResolution, "", fmt.Errorf("resolve %s: %w", u.Hostname(), ErrNoAddresses))
	}
	span.SetAttributes(attribute.Int("check.replicas", len(addrs)))

	if st.ReferenceContent == nil {
		st.ReferenceContent = map[string]ReferenceEntry{}
	}
	catalog := NewCatalog(st, c.extractor, c.hasher)
	refs := NewReferenceStore(st.ReferenceContent)

	now := c.clock.Now()
	replicas := make([]ReplicaResult, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		g.Go(func() error {
			rr, err := c.checkHTML(gctx, cy, catalog, htmlURL, addr, now)
			if err != nil {
				return err
			}
			replicas[i] = rr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, newCheckError(KindTransport, "", err)
	}
	catalog.Sort()

	chunks := catalog.ChunkURLs(c.maxVersions)
	span.SetAttributes(attribute.Int("check.chunks", len(chunks)))

	statuses := make([]map[string]ChunkStatus, len(addrs))
	for i := range statuses {
		statuses[i] = make(map[string]ChunkStatus, len(chunks))
	}
	var mu sync.Mutex
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for _, chunk := range chunks {
		for i, addr := range addrs {
			g.Go(func() error {
				status, err := c.checkChunk(gctx, cy, refs, chunk, addr)
				if err != nil {
					return err
				}
				mu.Lock()
				statuses[i][chunk] = status
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, newCheckError(KindTransport, "", err)
	}

	out := make(CheckResult, len(addrs))
	for i, addr := range addrs {
		rr := replicas[i]
		rr.JSStatus = statuses[i]
		out[addr.String()] = rr
	}
	return out, nil
}

func (c *Checker) checkHTML(
	ctx context.Context,
	cy cycle,
	catalog *Catalog,
	htmlURL string,
	addr netip.Addr,
	now time.Time,
) (ReplicaResult, error) {
	res, err := c.fetcher.Fetch(ctx, htmlURL, addr)
	if err != nil {
		return ReplicaResult{}, fmt.Errorf("fetch %s from %s: %w", htmlURL, addr, err)
	}

	var rr ReplicaResult
	if msg := HTMLError(res); msg != "" {
		rr.HTMLError = msg
	} else {
		v, created, err := catalog.observe(htmlURL, string(res.Body), now)
		switch {
		case err != nil:
			rr.HTMLError = err.Error()
		case created:
			rr.HTMLHash = v.HTMLHash
			c.logger.Info("new html version",
				zap.String("replica", addr.String()),
				zap.String("hash", v.HTMLHash),
				zap.Int("chunks", len(v.JSURLs)),
			)
			cy.emit(events.Event{
				Stage:   events.StageVersionNew,
				Replica: addr.String(),
				URL:     htmlURL,
				Hash:    v.HTMLHash,
				Note:    fmt.Sprintf("%d chunk urls", len(v.JSURLs)),
			})
		default:
			rr.HTMLHash = v.HTMLHash
		}
	}

	outcome := events.OutcomeOK
	if rr.HTMLError != "" {
		outcome = rr.HTMLError
	}
	cy.emit(events.Event{
		Stage:   events.StageFetchDone,
		Replica: addr.String(),
		URL:     htmlURL,
		Kind:    events.KindHTML,
		Outcome: outcome,
		Hash:    rr.HTMLHash,
		Bytes:   int64(len(res.Body)),
		Dur:     res.Duration,
	})
	return rr, nil
}

func (c *Checker) checkChunk(ctx context.Context, cy cycle, refs *ReferenceStore, chunk string, addr netip.Addr) (ChunkStatus, error) {
	res, err := c.fetcher.Fetch(ctx, chunk, addr)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ChunkStatus{}, fmt.Errorf("fetch %s from %s: %w", chunk, addr, err)
		}
		// A URL the fetcher rejects is a per-chunk failure.
		c.logger.Warn("chunk url rejected by fetcher",
			zap.String("replica", addr.String()),
			zap.String("chunk", chunk),
			zap.Error(err),
		)
		res = FetchResult{URL: chunk, Replica: addr.String(), ErrCode: ErrCodeInvalidURL}
	}

	status, ok := Classify(res)
	if ok {
		hash, err := c.hasher.Hash(res.Body)
		if err != nil {
			return ChunkStatus{}, fmt.Errorf("hash %s: %w", chunk, err)
		}
		status = refs.Verify(chunk, string(res.Body), hash)
	}

	outcome := events.OutcomeOK
	if !status.OK() {
		outcome = status.ErrCode
	}
	cy.emit(events.Event{
		Stage:   events.StageFetchDone,
		Replica: addr.String(),
		URL:     chunk,
		Kind:    events.KindJS,
		Outcome: outcome,
		Hash:    status.Hash,
		Bytes:   int64(len(res.Body)),
		Dur:     res.Duration,
	})
	if status.ErrCode == ErrCodeChangedHash {
		c.logger.Warn("chunk content changed",
			zap.String("replica", addr.String()),
			zap.String("chunk", ChunkName(chunk)),
			zap.String("expected", status.ExpectedHash),
			zap.String("got", status.GotHash),
		)
		cy.emit(events.Event{
			Stage:   events.StageChunkChanged,
			Replica: addr.String(),
			URL:     chunk,
			Kind:    events.KindJS,
			Outcome: status.ErrCode,
			Hash:    status.GotHash,
			Note:    "expected " + status.ExpectedHash,
		})
	}
	return status, nil
}
