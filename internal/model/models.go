// internal/model/models.go
package model

import (
	"encoding/json"
	"math"
	"time"
)

// Role tags a merge request by how the tracked identity took part in it.
type Role string

const (
	RoleAuthored Role = "authored"
	RoleReviewed Role = "reviewed"
)

// TrackedIdentity is the person whose GitLab activity is measured.
// It is owned by the surrounding CRUD layer; the engine only reads it.
type TrackedIdentity struct {
	ID                int64     `json:"id"`
	HostingUserID     int64     `json:"hosting_user_id"`
	GroupID           int64     `json:"group_id"`
	AccessToken       string    `json:"-"`
	IntegrationBroken bool      `json:"integration_broken"`
	CreatedAt         time.Time `json:"created_at"`
}

// CommentSet holds review comments as parallel id/body arrays in API order.
type CommentSet struct {
	IDs    []int64
	Bodies []string
}

// Len returns the number of comments in the set. A nil set has none.
func (c *CommentSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.IDs)
}

// MergeRequest is a merge request the identity authored or reviewed.
// Comments is nil when no comments were fetched for it, which is
// distinct from a fetched but empty set.
type MergeRequest struct {
	ID        int64
	ProjectID int64
	IID       int64
	CreatedAt time.Time
	MergedAt  *time.Time
	Role      Role
	Comments  *CommentSet
}

// CreateToMergeSeconds returns the whole seconds between creation and merge.
// It is only defined for authored, merged requests.
func (m MergeRequest) CreateToMergeSeconds() (int64, bool) {
	if m.Role != RoleAuthored || m.MergedAt == nil {
		return 0, false
	}
	d := m.MergedAt.Sub(m.CreatedAt).Seconds()
	return int64(math.Round(d)), true
}

type mergeRequestJSON struct {
	ID            int64           `json:"id"`
	ProjectID     int64           `json:"project_id"`
	IID           int64           `json:"iid"`
	CreatedAt     time.Time       `json:"created_at"`
	MergedAt      *time.Time      `json:"merged_at"`
	Role          Role            `json:"role"`
	CreateToMerge *int64          `json:"create_to_merge,omitempty"`
	CommentIDs    json.RawMessage `json:"comment_ids"`
	CommentBodies json.RawMessage `json:"comment_bodies"`
}

var jsonFalse = json.RawMessage("false")

// MarshalJSON encodes an absent comment set as false in both comment fields.
func (m MergeRequest) MarshalJSON() ([]byte, error) {
	out := mergeRequestJSON{
		ID:            m.ID,
		ProjectID:     m.ProjectID,
		IID:           m.IID,
		CreatedAt:     m.CreatedAt,
		MergedAt:      m.MergedAt,
		Role:          m.Role,
		CommentIDs:    jsonFalse,
		CommentBodies: jsonFalse,
	}
	if secs, ok := m.CreateToMergeSeconds(); ok {
		out.CreateToMerge = &secs
	}
	if m.Comments != nil {
		ids := m.Comments.IDs
		if ids == nil {
			ids = []int64{}
		}
		bodies := m.Comments.Bodies
		if bodies == nil {
			bodies = []string{}
		}
		var err error
		if out.CommentIDs, err = json.Marshal(ids); err != nil {
			return nil, err
		}
		if out.CommentBodies, err = json.Marshal(bodies); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *MergeRequest) UnmarshalJSON(data []byte) error {
	var in mergeRequestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = MergeRequest{
		ID:        in.ID,
		ProjectID: in.ProjectID,
		IID:       in.IID,
		CreatedAt: in.CreatedAt,
		MergedAt:  in.MergedAt,
		Role:      in.Role,
	}
	if isAbsent(in.CommentIDs) {
		return nil
	}
	set := &CommentSet{IDs: []int64{}, Bodies: []string{}}
	if err := json.Unmarshal(in.CommentIDs, &set.IDs); err != nil {
		return err
	}
	if !isAbsent(in.CommentBodies) {
		if err := json.Unmarshal(in.CommentBodies, &set.Bodies); err != nil {
			return err
		}
	}
	m.Comments = set
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	s := string(raw)
	return s == "" || s == "false" || s == "null"
}

// Commit is a commit authored by the identity in one project.
type Commit struct {
	ShortID   string       `json:"short_id"`
	ProjectID int64        `json:"project_id"`
	CreatedAt time.Time    `json:"created_at"`
	WebURL    string       `json:"web_url"`
	Diffs     []CommitDiff `json:"diffs"`
}

// LineTotals sums the line counts of every diff entry folded into the commit.
func (c Commit) LineTotals() (added, removed int) {
	for _, d := range c.Diffs {
		added += d.LinesAdded
		removed += d.LinesRemoved
	}
	return added, removed
}

// CommitDiff is the aggregate of all file diffs of one commit.
type CommitDiff struct {
	ShortID      string   `json:"short_id"`
	LinesAdded   int      `json:"lines_added"`
	LinesRemoved int      `json:"lines_removed"`
	AddedLines   []string `json:"added_lines_content"`
	RemovedLines []string `json:"removed_lines_content"`
}

// ProjectInfo is the project metadata shown on the dashboard.
type ProjectInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"project_name"`
	URL  string `json:"project_url"`
}

// ProjectBundle groups all correlated activity for one project.
// Authored and reviewed requests are kept apart since one request can be
// both authored and reviewed by the same identity.
type ProjectBundle struct {
	Project  ProjectInfo            `json:"project"`
	Authored map[int64]MergeRequest `json:"authored_requests"`
	Reviewed map[int64]MergeRequest `json:"reviewed_requests"`
	Commits  map[string]Commit      `json:"commits"`
}

// NewProjectBundle returns an empty bundle for the project.
func NewProjectBundle(p ProjectInfo) *ProjectBundle {
	return &ProjectBundle{
		Project:  p,
		Authored: make(map[int64]MergeRequest),
		Reviewed: make(map[int64]MergeRequest),
		Commits:  make(map[string]Commit),
	}
}

// Requests returns the role-specific request map.
func (b *ProjectBundle) Requests(role Role) map[int64]MergeRequest {
	if role == RoleReviewed {
		return b.Reviewed
	}
	return b.Authored
}

// EnsureMaps allocates any nil map, e.g. after decoding a stored bundle.
func (b *ProjectBundle) EnsureMaps() {
	if b.Authored == nil {
		b.Authored = make(map[int64]MergeRequest)
	}
	if b.Reviewed == nil {
		b.Reviewed = make(map[int64]MergeRequest)
	}
	if b.Commits == nil {
		b.Commits = make(map[string]Commit)
	}
}
