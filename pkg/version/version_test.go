package version

import (
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		release   string
		build     string
		wantShort string
		wantBuild string
	}{
		{"1.2.3-rc1", "abc", "1.2.3-rc1", "abc"},
		{"0.3.0", "", "0.3.0", ""},
	}
	for _, tt := range tests {
		v := Version{Release: semver.MustParse(tt.release), Build: tt.build}
		if s := v.Short(); s != tt.wantShort {
			t.Errorf("Short() = %q, want %q", s, tt.wantShort)
		}
		want := "Version: " + tt.wantShort + "\nBuild: " + tt.wantBuild
		if s := v.String(); s != want {
			t.Errorf("String() = %q, want %q", s, want)
		}
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), "go") {
		t.Errorf("BuildInfo() = %q", BuildInfo())
	}
	if KcdapVersion.Release == nil || KcdapVersion.Short() == "" {
		t.Errorf("KcdapVersion has no release")
	}
}
