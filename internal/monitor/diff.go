package monitor

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ErrNotChanged is returned by UnifiedDiff for a chunk status that carries no diff.
var ErrNotChanged = errors.New("chunk status is not changed-hash")

var chunkSuffix = regexp.MustCompile(`^(.+?)\.[0-9a-fA-F]+\.chunk\.js$`)

// UnifiedDiff renders the reference and received content of a changed chunk.
func UnifiedDiff(url string, status ChunkStatus) (string, error) {
	if status.ErrCode != ErrCodeChangedHash {
		return "", ErrNotChanged
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(status.ExpectedContent),
		B:        difflib.SplitLines(status.GotContent),
		FromFile: fmt.Sprintf("%s (expected %s)", url, status.ExpectedHash),
		ToFile:   fmt.Sprintf("%s (got %s)", url, status.GotHash),
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("render diff for %s: %w", url, err)
	}
	return out, nil
}

// ChunkName returns a short display name for a chunk URL: the chunk name
// without hash for bundler chunk files, otherwise the file name.
func ChunkName(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := path.Base(p)
	if m := chunkSuffix.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return base
}
