package version

import (
	"runtime/debug"
	"testing"
)

func TestApplyBuildInfo(t *testing.T) {
	t.Parallel()
	info := Info{}
	applyBuildInfo(&info, &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	if info.Version != "v0.3.1" || info.Commit != "0123456789abcdef0123" || !info.Modified {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestLdflagsWin(t *testing.T) {
	t.Parallel()
	info := Info{Version: "v1.0.0", Commit: "abc"}
	applyBuildInfo(&info, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "def"}},
	})
	if info.Version != "v1.0.0" || info.Commit != "abc" {
		t.Fatalf("ldflags overridden: %+v", info)
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}
