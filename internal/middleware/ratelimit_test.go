package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSyncRequest(t *testing.T) {
	tests := []struct {
		method, path string
		want         bool
	}{
		{"POST", "/api/devices/12/sync", true},
		{"POST", "/api/devices/12/sync/", true},
		{"POST", "/api/devices/sync-all", true},
		{"GET", "/api/devices/12/sync", false},
		{"POST", "/api/devices/12/ping", false},
		{"POST", "/api/devices", false},
		{"GET", "/api/sync-jobs/abc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSyncRequest(tt.method, tt.path), "%s %s", tt.method, tt.path)
	}
}
