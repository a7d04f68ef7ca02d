// internal/gitlab/client.go
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-retryablehttp"
	gl "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	custom_errors "gitlab-stats-engine/internal/errors"
)

// TimeFormat is the timestamp layout GitLab query parameters expect.
const TimeFormat = "2006-01-02T15:04:05Z"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Client is a wrapper around the GitLab client-go SDK.
// It never retries and never throttles; callers own both policies.
type Client struct {
	baseURL string
	base    http.RoundTripper
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Client for the API rooted at baseURL, e.g. https://gitlab.com/api/v4.
// Every request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gitlab base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gitlab base url %q must be absolute", baseURL)
	}
	return &Client{
		baseURL: baseURL,
		base:    http.DefaultTransport,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// WithTransport replaces the underlying round tripper. Used by tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.base = rt
	return c
}

// api returns an SDK client that authenticates with token as a bearer credential.
func (c *Client) api(token string) (*gl.Client, error) {
	api, err := gl.NewOAuthClient(token,
		gl.WithBaseURL(c.baseURL),
		gl.WithHTTPClient(&http.Client{Timeout: c.timeout, Transport: c.base}),
		gl.WithoutRetries(),
		gl.WithCustomLimiter(rate.NewLimiter(rate.Inf, 0)),
	)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return api, nil
}

// finish logs the call and translates SDK errors into our error types.
func (c *Client) finish(path string, start time.Time, resp *gl.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	c.logger.Debug("GitLab request", "path", path, "status", status, "duration", time.Since(start))
	if err == nil {
		return nil
	}
	if status == 0 {
		return &custom_errors.TransportError{Op: "GET " + path, Err: err}
	}
	if status < 300 {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	body := err.Error()
	var errResp *gl.ErrorResponse
	if errors.As(err, &errResp) && len(errResp.Body) > 0 {
		body = string(errResp.Body)
	}
	return &custom_errors.HostingError{
		Path:       path,
		Status:     status,
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// withQuery appends the go-querystring encoding of opts to the request URL.
func withQuery(opts any) gl.RequestOptionFunc {
	return func(req *retryablehttp.Request) error {
		extra, err := query.Values(opts)
		if err != nil {
			return fmt.Errorf("encode query: %w", err)
		}
		q := req.URL.Query()
		for k, vs := range extra {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
		return nil
	}
}

func listOptions(opts *ListOptions) gl.ListOptions {
	if opts == nil {
		return gl.ListOptions{}
	}
	return gl.ListOptions{Page: opts.Page, PerPage: opts.PerPage}
}

// ListGroupMembers returns one page of GET /groups/:id/members.
func (c *Client) ListGroupMembers(ctx context.Context, token string, groupID int64, opts *ListOptions) ([]Member, int, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, 0, err
	}
	start := time.Now()
	members, resp, err := api.Groups.ListGroupMembers(int(groupID),
		&gl.ListGroupMembersOptions{ListOptions: listOptions(opts)}, gl.WithContext(ctx))
	if err := c.finish(fmt.Sprintf("/groups/%d/members", groupID), start, resp, err); err != nil {
		return nil, 0, err
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, Member{ID: int64(m.ID), Username: m.Username, State: m.State})
	}
	return out, resp.NextPage, nil
}

// ListMergeRequests returns one page of GET /merge_requests.
func (c *Client) ListMergeRequests(ctx context.Context, token string, opts *MergeRequestsOptions) ([]MergeRequest, int, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, 0, err
	}
	o := &gl.ListMergeRequestsOptions{ListOptions: listOptions(&opts.ListOptions)}
	if !opts.CreatedAfter.IsZero() {
		after := opts.CreatedAfter.UTC()
		o.CreatedAfter = &after
	}
	if opts.Scope != "" {
		o.Scope = gl.Ptr(opts.Scope)
	}
	if opts.AuthorID != nil {
		o.AuthorID = gl.Ptr(int(*opts.AuthorID))
	}
	if opts.ReviewerID != nil {
		o.ReviewerID = gl.ReviewerID(int(*opts.ReviewerID))
	}

	start := time.Now()
	mrs, resp, err := api.MergeRequests.ListMergeRequests(o, gl.WithContext(ctx))
	if err := c.finish("/merge_requests", start, resp, err); err != nil {
		return nil, 0, err
	}
	out := make([]MergeRequest, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, toMergeRequest(mr))
	}
	return out, resp.NextPage, nil
}

// GetMergeRequest returns GET /projects/:id/merge_requests/:iid.
func (c *Client) GetMergeRequest(ctx context.Context, token string, projectID, iid int64) (*MergeRequest, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	mr, resp, err := api.MergeRequests.GetMergeRequest(int(projectID), int(iid), nil, gl.WithContext(ctx))
	if err := c.finish(fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid), start, resp, err); err != nil {
		return nil, err
	}
	out := toMergeRequest(&mr.BasicMergeRequest)
	return &out, nil
}

// GetProject returns GET /projects/:id.
func (c *Client) GetProject(ctx context.Context, token string, projectID int64) (*Project, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	p, resp, err := api.Projects.GetProject(int(projectID), nil, gl.WithContext(ctx))
	if err := c.finish(fmt.Sprintf("/projects/%d", projectID), start, resp, err); err != nil {
		return nil, err
	}
	return &Project{ID: int64(p.ID), Name: p.Name, WebURL: p.WebURL}, nil
}

// ListCommits returns one page of GET /projects/:id/repository/commits.
func (c *Client) ListCommits(ctx context.Context, token string, projectID int64, opts *CommitsOptions) ([]Commit, int, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, 0, err
	}
	o := &gl.ListCommitsOptions{ListOptions: listOptions(&opts.ListOptions)}
	if !opts.Since.IsZero() {
		since := opts.Since.UTC()
		o.Since = &since
	}

	start := time.Now()
	commits, resp, err := api.Commits.ListCommits(int(projectID), o,
		gl.WithContext(ctx), withQuery(commitsQuery{AuthorID: opts.AuthorID}))
	if err := c.finish(fmt.Sprintf("/projects/%d/repository/commits", projectID), start, resp, err); err != nil {
		return nil, 0, err
	}
	out := make([]Commit, 0, len(commits))
	for _, cm := range commits {
		out = append(out, Commit{ID: cm.ID, ShortID: cm.ShortID, CreatedAt: deref(cm.CreatedAt), WebURL: cm.WebURL})
	}
	return out, resp.NextPage, nil
}

// GetCommitDiff returns one page of GET /projects/:id/repository/commits/:sha/diff.
func (c *Client) GetCommitDiff(ctx context.Context, token string, projectID int64, shortID string, opts *ListOptions) ([]FileDiff, int, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, 0, err
	}
	start := time.Now()
	diffs, resp, err := api.Commits.GetCommitDiff(int(projectID), shortID,
		&gl.GetCommitDiffOptions{ListOptions: listOptions(opts)}, gl.WithContext(ctx))
	path := fmt.Sprintf("/projects/%d/repository/commits/%s/diff", projectID, url.PathEscape(shortID))
	if err := c.finish(path, start, resp, err); err != nil {
		return nil, 0, err
	}
	out := make([]FileDiff, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, FileDiff{OldPath: d.OldPath, NewPath: d.NewPath, Diff: d.Diff})
	}
	return out, resp.NextPage, nil
}

// ListNotes returns one page of GET /projects/:id/merge_requests/:iid/notes.
// The endpoint has no time filter; callers drop notes older than their cutoff.
func (c *Client) ListNotes(ctx context.Context, token string, projectID, iid int64, opts *ListOptions) ([]Note, int, error) {
	api, err := c.api(token)
	if err != nil {
		return nil, 0, err
	}
	start := time.Now()
	notes, resp, err := api.Notes.ListMergeRequestNotes(int(projectID), int(iid),
		&gl.ListMergeRequestNotesOptions{ListOptions: listOptions(opts)}, gl.WithContext(ctx))
	if err := c.finish(fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, iid), start, resp, err); err != nil {
		return nil, 0, err
	}
	out := make([]Note, 0, len(notes))
	for _, n := range notes {
		out = append(out, Note{ID: int64(n.ID), Body: n.Body, System: n.System, CreatedAt: deref(n.CreatedAt)})
	}
	return out, resp.NextPage, nil
}

func toMergeRequest(mr *gl.BasicMergeRequest) MergeRequest {
	return MergeRequest{
		ID:        int64(mr.ID),
		IID:       int64(mr.IID),
		ProjectID: int64(mr.ProjectID),
		State:     mr.State,
		CreatedAt: deref(mr.CreatedAt),
		MergedAt:  mr.MergedAt,
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// parseRetryAfter accepts either delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
