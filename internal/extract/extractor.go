package extract

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoChunksFound is returned when a page references no JavaScript at all.
var ErrNoChunksFound = errors.New("no chunks found")

// Extractor implements monitor.Extractor.
type Extractor struct {
	grammars []ManifestGrammar
	logger   *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithGrammars replaces the manifest grammars. They are all tried and their
// results combined.
func WithGrammars(grammars ...ManifestGrammar) Option {
	return func(e *Extractor) {
		e.grammars = grammars
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an Extractor that understands webpack manifests.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		grammars: []ManifestGrammar{Webpack{}},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("extract")
	return e
}

// Extract returns the deduplicated, sorted absolute chunk URLs referenced by
// page, resolved against baseURL.
func (e *Extractor) Extract(baseURL, page string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	var refs []string
	for _, g := range e.grammars {
		chunks, err := g.Chunks(page)
		if err != nil {
			return nil, fmt.Errorf("%s manifest: %w", g.Name(), err)
		}
		refs = append(refs, chunks...)
	}
	refs = append(refs, scriptSources(page)...)

	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := url.Parse(ref)
		if err != nil {
			e.logger.Debug("skipping unparsable script reference", zap.String("ref", ref), zap.Error(err))
			continue
		}
		resolved := base.ResolveReference(u)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			e.logger.Debug("skipping non-http script reference", zap.String("ref", ref), zap.String("scheme", resolved.Scheme))
			continue
		}
		abs := resolved.String()
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	if len(out) == 0 {
		return nil, ErrNoChunksFound
	}
	slices.Sort(out)
	return out, nil
}

// scriptSources returns every non-empty src attribute of a <script> tag, in
// document order.
func scriptSources(page string) []string {
	var out []string
	z := html.NewTokenizer(strings.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if atom.Lookup(name) != atom.Script || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "src" && len(val) > 0 {
					out = append(out, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}
