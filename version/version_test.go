package version

import (
	"strings"
	"testing"
)

func TestFullDefault(t *testing.T) {
	if !strings.HasPrefix(Full(), Version) {
		t.Errorf("Full() = %q, want prefix %q", Full(), Version)
	}
}

func TestFullWithCommitAndTime(t *testing.T) {
	origCommit, origTime := GitCommit, BuildTime
	defer func() {
		GitCommit, BuildTime = origCommit, origTime
	}()

	GitCommit = "abc1234"
	BuildTime = "2026-01-02T15:04:05Z"

	full := Full()
	if !strings.Contains(full, "abc1234") {
		t.Errorf("Full() = %q, want commit included", full)
	}
	if !strings.Contains(full, "2026-01-02T15:04:05Z") {
		t.Errorf("Full() = %q, want build time included", full)
	}
}
