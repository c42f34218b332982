// Package monitor implements the check-and-compare engine: replica fan-out, HTML version
// cataloguing, reference content tracking for JavaScript chunks and run-history compression.
package monitor

import (
	"net/http"
	"time"
)

// Chunk status error codes that are not HTTP status codes.
const (
	ErrCodeNoContentType = "no-content-type"
	ErrCodeSoftNotFound  = "soft-404"
	ErrCodeChangedHash   = "changed-hash"
	// ErrCodeInvalidURL marks a chunk URL the fetcher refused to request.
	ErrCodeInvalidURL    = "error EINVALIDURL"
	// ErrCodeBodyTooLarge marks a response cut off at fetch.max_body_bytes.
	ErrCodeBodyTooLarge  = "error EFBIG"
)

// Version is one distinct HTML payload, identified by its content hash.
type Version struct {
	HTMLHash  string    `json:"htmlHash"`
	HTML      string    `json:"html"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	// JSURLs is fixed when the Version is created.
	JSURLs []string `json:"jsURLs"`
}

// ReferenceEntry is the first successfully fetched copy of a JavaScript URL.
type ReferenceEntry struct {
	Hash    string `json:"hash"`
	Content string `json:"content"`
}

// ChunkStatus is the outcome of fetching one JavaScript URL from one replica.
// Either Hash is set (success) or ErrCode is set. The Expected*/Got* fields are
// only populated for ErrCodeChangedHash.
type ChunkStatus struct {
	Hash            string `json:"hash,omitempty"`
	ErrCode         string `json:"errcode,omitempty"`
	ExpectedHash    string `json:"expectedHash,omitempty"`
	GotHash         string `json:"gotHash,omitempty"`
	ExpectedContent string `json:"expectedContent,omitempty"`
	GotContent      string `json:"gotContent,omitempty"`
}

// OK reports whether the chunk was fetched and matched its reference.
func (s ChunkStatus) OK() bool {
	return s.ErrCode == ""
}

// ReplicaResult is everything one check cycle observed on one replica.
// Exactly one of HTMLHash and HTMLError is set.
type ReplicaResult struct {
	HTMLHash  string                 `json:"htmlHash,omitempty"`
	HTMLError string                 `json:"htmlError,omitempty"`
	JSStatus  map[string]ChunkStatus `json:"jsStatus"`
}

// CheckResult maps a replica address (netip.Addr.String()) to its result.
type CheckResult map[string]ReplicaResult

// Run is one or more consecutive, identical CheckResults.
type Run struct {
	FirstFinished time.Time   `json:"firstFinished"`
	LastFinished  time.Time   `json:"lastFinished"`
	Results       CheckResult `json:"results"`
	KnownVersions []string    `json:"knownVersions"`
}

// FetchResult is what a Fetcher returns for one URL on one replica. When every
// attempt failed at the transport level, StatusCode is zero and ErrCode holds a
// synthetic code such as "error ETIMEDOUT".
type FetchResult struct {
	URL        string
	Replica    string
	StatusCode int
	ErrCode    string
	Headers    http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// Failed reports whether the fetch produced no usable response.
func (r FetchResult) Failed() bool {
	return r.ErrCode != ""
}
