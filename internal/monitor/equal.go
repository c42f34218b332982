package monitor

import "maps"

// Equal reports whether two replica results carry identical payloads,
// including the full diff content of changed chunks.
func (r ReplicaResult) Equal(o ReplicaResult) bool {
	return r.HTMLHash == o.HTMLHash &&
		r.HTMLError == o.HTMLError &&
		maps.Equal(r.JSStatus, o.JSStatus)
}

// Equal reports whether two check results cover the same replicas with equal results.
func (c CheckResult) Equal(o CheckResult) bool {
	return maps.EqualFunc(c, o, ReplicaResult.Equal)
}
