package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		want    string
		release bool
	}{
		{"dev build", Info{Version: "dev", CommitHash: "abcdef1234", BuildTime: "now"}, "docpipe dev (commit abcdef1, built now)", false},
		{"tagged", Info{Version: "1.4.0", CommitHash: "abcdef1234", BuildTime: "now"}, "docpipe v1.4.0 (commit abcdef1, built now)", true},
		{"v prefix", Info{Version: "v2.0.1", CommitHash: "abc", BuildTime: "now"}, "docpipe v2.0.1 (commit abc, built now)", true},
		{"prerelease", Info{Version: "1.5.0-rc.1", CommitHash: "abc", BuildTime: "now"}, "docpipe v1.5.0-rc.1 (commit abc, built now)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.String())
			assert.Equal(t, tt.release, tt.info.IsRelease())
		})
	}
}

func TestGetReportsRuntime(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
