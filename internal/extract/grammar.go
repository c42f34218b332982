package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrManifestMalformed is returned when a manifest was found but its maps could
// not be parsed.
var ErrManifestMalformed = errors.New("chunk manifest is malformed")

// ManifestGrammar recognizes one bundler's inline chunk manifest.
type ManifestGrammar interface {
	// Name identifies the grammar in logs and errors.
	Name() string
	// Chunks returns root-relative chunk paths. A page without a manifest
	// yields no paths and no error.
	Chunks(html string) ([]string, error)
}

// webpackManifest matches the lazy-chunk URL builder of webpack 4 runtimes:
//
//	"static/js/"+({0:"main"}[e]||e)+"."+{0:"7ca609b5",3:"8317c198"}[e]+".chunk.js"
var webpackManifest = regexp.MustCompile(
	`"([^"]+)"\s*\+\s*\(\s*(\{[^}]*\})?[^)]*\)+\s*\+\s*"\."\s*\+\s*(\{[^}]*\}).*?\+\s*"(\.chunk\.js)"`,
)

// bareNumericKey finds unquoted numeric object keys.
var bareNumericKey = regexp.MustCompile(`([{,]\s*)([0-9]+)(\s*:)`)

// Webpack parses the webpack 4 manifest shape.
type Webpack struct{}

// Name implements ManifestGrammar.
func (Webpack) Name() string {
	return "webpack"
}

// Chunks implements ManifestGrammar.
func (Webpack) Chunks(html string) ([]string, error) {
	m := webpackManifest.FindStringSubmatch(html)
	if m == nil {
		return nil, nil
	}
	prefix, namesLit, hashesLit, suffix := strings.TrimPrefix(m[1], "/"), m[2], m[3], m[4]

	hashes, err := parseNearJSON(hashesLit)
	if err != nil {
		return nil, fmt.Errorf("%w: hash map: %v", ErrManifestMalformed, err)
	}
	names := map[string]string{}
	if namesLit != "" {
		if names, err = parseNearJSON(namesLit); err != nil {
			return nil, fmt.Errorf("%w: name map: %v", ErrManifestMalformed, err)
		}
	}

	out := make([]string, 0, len(hashes))
	for id, hash := range hashes {
		name := id
		if n, ok := names[id]; ok && n != "" {
			name = n
		}
		out = append(out, "/"+prefix+name+"."+hash+suffix)
	}
	return out, nil
}

// parseNearJSON decodes a JavaScript object literal whose keys may be bare numbers.
func parseNearJSON(lit string) (map[string]string, error) {
	quoted := bareNumericKey.ReplaceAllString(lit, `${1}"${2}"${3}`)
	var out map[string]string
	if err := json.Unmarshal([]byte(quoted), &out); err != nil {
		return nil, err
	}
	return out, nil
}
