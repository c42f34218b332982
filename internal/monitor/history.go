package monitor

import "time"

// Integrate folds result into the run history of st. An equal result extends
// the last run; anything else appends a new one. It reports whether a run was
// appended. KnownVersions is refreshed either way.
func Integrate(st *State, result CheckResult, finishedAt time.Time) bool {
	known := st.VersionHashes()
	if n := len(st.Runs); n > 0 && st.Runs[n-1].Results.Equal(result) {
		last := &st.Runs[n-1]
		last.LastFinished = finishedAt
		last.KnownVersions = known
		return false
	}
	st.Runs = append(st.Runs, Run{
		FirstFinished: finishedAt,
		LastFinished:  finishedAt,
		Results:       result,
		KnownVersions: known,
	})
	return true
}
