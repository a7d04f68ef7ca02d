// internal/fetcher/fetcher_test.go
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/gitlab"
	"gitlab-stats-engine/internal/model"
)

var testIdentity = model.TrackedIdentity{ID: 1, HostingUserID: 42, GroupID: 9, AccessToken: "tok"}

// setupTestFetcher creates a fake GitLab server from mux and a fetcher pointing to it.
// Routes in mux are relative to /api/v4.
func setupTestFetcher(t *testing.T, mux *http.ServeMux) (*Fetcher, *httptest.Server) {
	server := httptest.NewServer(http.StripPrefix("/api/v4", mux))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, err := gitlab.NewClient(server.URL, 2*time.Second, logger)
	require.NoError(t, err)
	client.WithTransport(server.Client().Transport)

	f := NewFetcher(client, logger, Options{
		Concurrency:    4,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	return f, server
}

func TestFetcher_FetchAuthoredRequests(t *testing.T) {
	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("paginates, tags role and drops records before cutoff", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/merge_requests", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "42", r.URL.Query().Get("author_id"))
			assert.Equal(t, "2024-05-01T00:00:00Z", r.URL.Query().Get("created_after"))
			switch r.URL.Query().Get("page") {
			case "1":
				w.Header().Set("X-Next-Page", "2")
				fmt.Fprintln(w, `[{"id": 1, "iid": 11, "project_id": 7, "created_at": "2024-05-02T00:00:00Z", "merged_at": "2024-05-02T01:00:00Z"}]`)
			case "2":
				fmt.Fprintln(w, `[
					{"id": 2, "iid": 12, "project_id": 8, "created_at": "2024-05-03T00:00:00Z"},
					{"id": 3, "iid": 13, "project_id": 8, "created_at": "2024-04-30T23:59:59Z"}
				]`)
			default:
				t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			}
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		mrs, err := f.FetchAuthoredRequests(context.Background(), testIdentity, cutoff)

		require.NoError(t, err)
		require.Len(t, mrs, 2)
		assert.Equal(t, model.RoleAuthored, mrs[1].Role)
		assert.Nil(t, mrs[1].Comments)
		secs, ok := mrs[1].CreateToMergeSeconds()
		assert.True(t, ok)
		assert.Equal(t, int64(3600), secs)
		assert.Nil(t, mrs[2].MergedAt)
	})

	t.Run("retries on 429 and succeeds", func(t *testing.T) {
		var requestCount int32
		mux := http.NewServeMux()
		mux.HandleFunc("/merge_requests", func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requestCount, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprintln(w, `[]`)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		_, err := f.FetchReviewedRequests(context.Background(), testIdentity, cutoff)

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "should have made two requests")
	})

	t.Run("does not retry other hosting errors", func(t *testing.T) {
		var requestCount int32
		mux := http.NewServeMux()
		mux.HandleFunc("/merge_requests", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		_, err := f.FetchAuthoredRequests(context.Background(), testIdentity, cutoff)

		var hErr *custom_errors.HostingError
		require.ErrorAs(t, err, &hErr)
		assert.Equal(t, http.StatusInternalServerError, hErr.Status)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})

	t.Run("gives up after max retries on persistent rate limiting", func(t *testing.T) {
		var requestCount int32
		mux := http.NewServeMux()
		mux.HandleFunc("/merge_requests", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		_, err := f.FetchAuthoredRequests(context.Background(), testIdentity, cutoff)

		require.Error(t, err)
		assert.Equal(t, int32(4), atomic.LoadInt32(&requestCount), "initial attempt plus three retries")
	})
}

func TestFetcher_FetchProjectInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"id": 7, "name": "api", "web_url": "https://gitlab.com/acme/api"}`)
	})
	mux.HandleFunc("/projects/8", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"message": "403 Forbidden"}`)
	})
	mux.HandleFunc("/projects/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"message": "404 Project Not Found"}`)
	})
	mux.HandleFunc("/projects/10", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"message": "500 Internal Server Error"}`)
	})
	f, server := setupTestFetcher(t, mux)
	defer server.Close()

	projects, fails := f.FetchProjectInfo(context.Background(), testIdentity, []int64{7, 8, 9, 10})

	require.Len(t, projects, 1)
	assert.Equal(t, model.ProjectInfo{ID: 7, Name: "api", URL: "https://gitlab.com/acme/api"}, projects[7])
	// Forbidden and deleted projects are dropped silently; server errors are failures.
	require.Len(t, fails, 1)
	assert.Contains(t, fails[0], "project 10")
}

func TestFetcher_FetchCommitsAndDiffs(t *testing.T) {
	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/7/repository/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("author_id"))
		fmt.Fprintln(w, `[
			{"short_id": "aaa", "created_at": "2024-05-02T00:00:00Z", "web_url": "u1"},
			{"short_id": "bbb", "created_at": "2024-05-03T00:00:00Z", "web_url": "u2"}
		]`)
	})
	mux.HandleFunc("/projects/8/repository/commits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/projects/7/repository/commits/aaa/diff", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[{"diff": "+a\n+b\n-c\n+++ b/x\n"}, {"diff": "-d\n"}]`)
	})
	mux.HandleFunc("/projects/7/repository/commits/bbb/diff", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[]`)
	})
	f, server := setupTestFetcher(t, mux)
	defer server.Close()

	commits, fails := f.FetchCommits(context.Background(), testIdentity, []int64{7, 8}, cutoff)

	require.Len(t, commits[7], 2)
	assert.Equal(t, int64(7), commits[7][0].ProjectID)
	assert.NotContains(t, commits, int64(8))
	require.Len(t, fails, 1)

	diffs, fails := f.FetchDiffs(context.Background(), testIdentity, commits)

	assert.Empty(t, fails)
	require.Len(t, diffs[7], 2)
	assert.Equal(t, "aaa", diffs[7][0].ShortID)
	assert.Equal(t, 2, diffs[7][0].LinesAdded)
	assert.Equal(t, 2, diffs[7][0].LinesRemoved)
	assert.Equal(t, "bbb", diffs[7][1].ShortID)
	assert.Zero(t, diffs[7][1].LinesAdded)
}

func TestFetcher_FetchComments(t *testing.T) {
	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/7/merge_requests/11/notes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[
			{"id": 300, "body": "second", "created_at": "2024-05-03T00:00:00Z"},
			{"id": 100, "body": "old", "created_at": "2024-04-01T00:00:00Z"},
			{"id": 200, "body": "first", "created_at": "2024-05-02T00:00:00Z"}
		]`)
	})
	mux.HandleFunc("/projects/7/merge_requests/12/notes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[]`)
	})
	f, server := setupTestFetcher(t, mux)
	defer server.Close()

	comments, fails := f.FetchComments(context.Background(), testIdentity, []model.MergeRequest{
		{ID: 1, ProjectID: 7, IID: 11},
		{ID: 2, ProjectID: 7, IID: 12},
	}, cutoff)

	assert.Empty(t, fails)
	assert.Equal(t, []int64{300, 200}, comments[1].IDs)
	assert.Equal(t, []string{"second", "first"}, comments[1].Bodies)
	require.Contains(t, comments, int64(2))
	assert.Empty(t, comments[2].IDs)
}

func TestFetcher_RefreshRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/7/merge_requests/11", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"id": 1, "iid": 11, "project_id": 7, "created_at": "2024-05-02T00:00:00Z", "merged_at": "2024-05-04T00:00:00Z"}`)
	})
	mux.HandleFunc("/projects/7/merge_requests/12", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f, server := setupTestFetcher(t, mux)
	defer server.Close()

	refreshed, fails := f.RefreshRequests(context.Background(), testIdentity, []model.MergeRequest{
		{ID: 1, ProjectID: 7, IID: 11, Role: model.RoleAuthored},
		{ID: 2, ProjectID: 7, IID: 99, Role: model.RoleAuthored},
		{ID: 3, ProjectID: 7, IID: 12, Role: model.RoleAuthored},
	})

	require.Len(t, refreshed, 1)
	require.NotNil(t, refreshed[1].MergedAt)
	assert.Equal(t, model.RoleAuthored, refreshed[1].Role)
	// The deleted request (404) is skipped; only the bad gateway is a failure.
	require.Len(t, fails, 1)
	assert.Contains(t, fails[0], "merge request 3")
}

func TestFetcher_VerifyMembership(t *testing.T) {
	t.Run("member on second page", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/groups/9/members", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page") == "1" {
				w.Header().Set("X-Next-Page", "2")
				fmt.Fprintln(w, `[{"id": 1}]`)
				return
			}
			fmt.Fprintln(w, `[{"id": 42}]`)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		assert.NoError(t, f.VerifyMembership(context.Background(), testIdentity))
	})

	t.Run("not a member", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/groups/9/members", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `[{"id": 1}]`)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		err := f.VerifyMembership(context.Background(), testIdentity)
		var broken *custom_errors.IntegrationBroken
		require.ErrorAs(t, err, &broken)
		assert.Equal(t, int64(1), broken.IdentityID)
	})

	t.Run("revoked credential", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/groups/9/members", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		err := f.VerifyMembership(context.Background(), testIdentity)
		assert.Equal(t, custom_errors.KindIntegrationBroken, custom_errors.KindOf(err))
	})

	t.Run("server error is not a broken integration", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/groups/9/members", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		f, server := setupTestFetcher(t, mux)
		defer server.Close()

		err := f.VerifyMembership(context.Background(), testIdentity)
		require.Error(t, err)
		assert.Equal(t, custom_errors.KindHosting, custom_errors.KindOf(err))
	})
}
