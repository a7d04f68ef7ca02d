// internal/gitlab/types.go
package gitlab

import "time"

// ListOptions are the pagination parameters shared by list endpoints.
type ListOptions struct {
	Page    int
	PerPage int
}

// MergeRequestsOptions filters GET /merge_requests.
type MergeRequestsOptions struct {
	AuthorID     *int64
	ReviewerID   *int64
	CreatedAfter time.Time
	Scope        string
	ListOptions
}

// CommitsOptions filters GET /projects/:id/repository/commits. The endpoint
// has no created_after parameter; Since is the server-side time filter.
type CommitsOptions struct {
	AuthorID int64
	Since    time.Time
	ListOptions
}

// commitsQuery carries the commit filters the SDK options do not model.
type commitsQuery struct {
	AuthorID int64 `url:"author_id,omitempty"`
}

// MergeRequest is the subset of the GitLab merge request payload we read.
type MergeRequest struct {
	ID        int64
	IID       int64
	ProjectID int64
	State     string
	CreatedAt time.Time
	MergedAt  *time.Time
}

// Project is the subset of the GitLab project payload we read.
type Project struct {
	ID     int64
	Name   string
	WebURL string
}

// Commit is the subset of the GitLab commit payload we read.
type Commit struct {
	ID        string
	ShortID   string
	CreatedAt time.Time
	WebURL    string
}

// FileDiff is one entry of GET /projects/:id/repository/commits/:sha/diff.
type FileDiff struct {
	OldPath string
	NewPath string
	Diff    string
}

// Note is a merge request comment.
type Note struct {
	ID        int64
	Body      string
	System    bool
	CreatedAt time.Time
}

// Member is a group member.
type Member struct {
	ID       int64
	Username string
	State    string
}
