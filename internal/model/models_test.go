// internal/model/models_test.go
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergeRequest_CreateToMergeSeconds(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := created.Add(d)
		return &ts
	}

	testCases := []struct {
		name   string
		mr     MergeRequest
		want   int64
		wantOK bool
	}{
		{"rounds up from half a second", MergeRequest{Role: RoleAuthored, CreatedAt: created, MergedAt: at(90*time.Second + 500*time.Millisecond)}, 91, true},
		{"rounds down below half a second", MergeRequest{Role: RoleAuthored, CreatedAt: created, MergedAt: at(90*time.Second + 499*time.Millisecond)}, 90, true},
		{"whole seconds unchanged", MergeRequest{Role: RoleAuthored, CreatedAt: created, MergedAt: at(2 * time.Hour)}, 7200, true},
		{"unmerged", MergeRequest{Role: RoleAuthored, CreatedAt: created}, 0, false},
		{"reviewed", MergeRequest{Role: RoleReviewed, CreatedAt: created, MergedAt: at(time.Minute)}, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.mr.CreateToMergeSeconds()
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
