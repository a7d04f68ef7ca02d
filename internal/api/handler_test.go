// internal/api/handler_test.go
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/model"
	"gitlab-stats-engine/internal/syncer"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, identityID int64, mode syncer.Mode) (*model.Snapshot, error) {
	args := m.Called(ctx, identityID, mode)
	snap, _ := args.Get(0).(*model.Snapshot)
	return snap, args.Error(1)
}

func (m *MockRunner) Register(ctx context.Context, identity model.TrackedIdentity) (model.TrackedIdentity, error) {
	args := m.Called(ctx, identity)
	return args.Get(0).(model.TrackedIdentity), args.Error(1)
}

type MockReader struct {
	mock.Mock
}

func (m *MockReader) LoadLatestSnapshot(ctx context.Context, identityID int64, withBody bool) (*model.Snapshot, error) {
	args := m.Called(ctx, identityID, withBody)
	snap, _ := args.Get(0).(*model.Snapshot)
	return snap, args.Error(1)
}

func setupTestServer(t *testing.T) (*httptest.Server, *MockRunner, *MockReader) {
	runner := new(MockRunner)
	reader := new(MockReader)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	server := httptest.NewServer(NewRouter(runner, reader, logger, 5*time.Second))
	t.Cleanup(server.Close)
	return server, runner, reader
}

func testSnapshot() *model.Snapshot {
	b := model.NewProjectBundle(model.ProjectInfo{ID: 7, Name: "api"})
	return &model.Snapshot{
		RunID:         uuid.New(),
		IdentityID:    3,
		Version:       2,
		Body:          map[int64]*model.ProjectBundle{7: b},
		Counters7:     model.WindowCounters{AuthoredCount: 4, ActiveProjects: []int64{7}, ActiveProjectCount: 1},
		LastUpdatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp, body := do(t, http.MethodGet, server.URL+"/health", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRegisterIdentity(t *testing.T) {
	t.Run("created without exposing the token", func(t *testing.T) {
		server, runner, _ := setupTestServer(t)
		runner.On("Register", mock.Anything, model.TrackedIdentity{HostingUserID: 42, GroupID: 9, AccessToken: "glpat-secret"}).
			Return(model.TrackedIdentity{ID: 3, HostingUserID: 42, GroupID: 9, AccessToken: "glpat-secret"}, nil).Once()

		resp, body := do(t, http.MethodPost, server.URL+"/v1/identities",
			`{"hosting_user_id": 42, "group_id": 9, "access_token": "glpat-secret"}`)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, float64(3), body["id"])
		assert.NotContains(t, body, "access_token")
		runner.AssertExpectations(t)
	})

	t.Run("membership failure is unprocessable", func(t *testing.T) {
		server, runner, _ := setupTestServer(t)
		runner.On("Register", mock.Anything, mock.Anything).
			Return(model.TrackedIdentity{}, &custom_errors.IntegrationBroken{Reason: "user 42 is not a member of group 9"}).Once()

		resp, body := do(t, http.MethodPost, server.URL+"/v1/identities", `{"hosting_user_id": 42, "group_id": 9, "access_token": "x"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, custom_errors.KindIntegrationBroken, body["kind"])
		assert.Contains(t, body["message"], "not a member")
	})

	t.Run("malformed body", func(t *testing.T) {
		server, _, _ := setupTestServer(t)

		resp, body := do(t, http.MethodPost, server.URL+"/v1/identities", `not json`)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, custom_errors.KindInvalidInput, body["kind"])
	})
}

func TestSnapshotTriggers(t *testing.T) {
	t.Run("create returns counters without body", func(t *testing.T) {
		server, runner, _ := setupTestServer(t)
		runner.On("Run", mock.Anything, int64(3), syncer.ModeCreate).Return(testSnapshot(), nil).Once()

		resp, body := do(t, http.MethodPost, server.URL+"/v1/identities/3/snapshot", "")

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotContains(t, body, "body")
		counters7 := body["counters7"].(map[string]any)
		assert.Equal(t, float64(4), counters7["authored_count"])
		runner.AssertExpectations(t)
	})

	t.Run("update maps run in progress to conflict", func(t *testing.T) {
		server, runner, _ := setupTestServer(t)
		runner.On("Run", mock.Anything, int64(3), syncer.ModeUpdate).Return(nil, &custom_errors.ErrRunInProgress{IdentityID: 3}).Once()

		resp, body := do(t, http.MethodPut, server.URL+"/v1/identities/3/snapshot", "")

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, custom_errors.KindRunInProgress, body["kind"])
	})

	t.Run("hosting failure is a bad gateway", func(t *testing.T) {
		server, runner, _ := setupTestServer(t)
		runner.On("Run", mock.Anything, int64(3), syncer.ModeUpdate).
			Return(nil, &custom_errors.HostingError{Path: "/groups/9/members", Status: 502, Body: "bad gateway"}).Once()

		resp, body := do(t, http.MethodPut, server.URL+"/v1/identities/3/snapshot", "")

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, custom_errors.KindHosting, body["kind"])
	})

	t.Run("invalid id", func(t *testing.T) {
		server, _, _ := setupTestServer(t)

		resp, body := do(t, http.MethodPost, server.URL+"/v1/identities/abc/snapshot", "")

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, custom_errors.KindInvalidInput, body["kind"])
	})
}

func TestGetSnapshot(t *testing.T) {
	t.Run("with body", func(t *testing.T) {
		server, _, reader := setupTestServer(t)
		reader.On("LoadLatestSnapshot", mock.Anything, int64(3), true).Return(testSnapshot(), nil).Once()

		resp, body := do(t, http.MethodGet, server.URL+"/v1/identities/3/snapshot?body=true", "")

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, "body")
		assert.Contains(t, body["body"], "7")
		reader.AssertExpectations(t)
	})

	t.Run("counters only by default", func(t *testing.T) {
		server, _, reader := setupTestServer(t)
		snap := testSnapshot()
		snap.Body = nil
		reader.On("LoadLatestSnapshot", mock.Anything, int64(3), false).Return(snap, nil).Once()

		resp, body := do(t, http.MethodGet, server.URL+"/v1/identities/3/snapshot", "")

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotContains(t, body, "body")
		reader.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		server, _, reader := setupTestServer(t)
		reader.On("LoadLatestSnapshot", mock.Anything, int64(4), false).
			Return(nil, &custom_errors.ErrNotFound{Resource: "snapshot for identity", ID: 4}).Once()

		resp, body := do(t, http.MethodGet, server.URL+"/v1/identities/4/snapshot", "")

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, custom_errors.KindNotFound, body["kind"])
	})

	t.Run("unexpected errors are hidden", func(t *testing.T) {
		server, _, reader := setupTestServer(t)
		reader.On("LoadLatestSnapshot", mock.Anything, int64(4), false).
			Return(nil, assert.AnError).Once()

		resp, body := do(t, http.MethodGet, server.URL+"/v1/identities/4/snapshot", "")

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, custom_errors.KindInternal, body["kind"])
		assert.Equal(t, "Internal server error", body["message"])
	})

	t.Run("invalid body flag", func(t *testing.T) {
		server, _, _ := setupTestServer(t)

		resp, _ := do(t, http.MethodGet, server.URL+"/v1/identities/4/snapshot?body=maybe", "")

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
