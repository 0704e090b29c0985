package model

import (
	"strings"
	"time"
)

type PostStatus string

const (
	PostGenerated PostStatus = "generated"
	PostDraft     PostStatus = "draft"
	PostBacklog   PostStatus = "backlog"
	PostScheduled PostStatus = "scheduled"
	PostPosted    PostStatus = "posted"
	PostFailed    PostStatus = "failed"
)

// Valid reports whether s is a known post status.
func (s PostStatus) Valid() bool {
	switch s {
	case PostGenerated, PostDraft, PostBacklog, PostScheduled, PostPosted, PostFailed:
		return true
	}
	return false
}

// Terminal reports whether the dispatch subsystem considers s final.
func (s PostStatus) Terminal() bool { return s == PostPosted || s == PostFailed }

// Post is a content item and its lifecycle status.
//
// PostedAt is non-nil if and only if Status == PostPosted.
type Post struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	TopicID       string     `json:"topic_id,omitempty"`
	Title         string     `json:"title,omitempty"`
	Content       string     `json:"content"`
	Status        PostStatus `json:"status"`
	ScheduledDate string     `json:"scheduled_date,omitempty"`
	ScheduledTime string     `json:"scheduled_time,omitempty"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusFields carries the optional columns written together with a status change.
type StatusFields struct {
	ScheduledDate string
	ScheduledTime string
	PostedAt      time.Time
	ExternalID    string
	Reason        string
}

// Validate checks the fields a collaborator must supply on create.
func (p Post) Validate() error {
	if strings.TrimSpace(p.Owner) == "" {
		return InvalidArgument("owner is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return InvalidArgument("content is required")
	}
	if p.Status != "" && !p.Status.Valid() {
		return InvalidArgument("unknown post status %q", p.Status)
	}
	return nil
}

// ApplyStatus computes the post that results from moving p to status with fields.
//
// posted is final: repeating it with the same external id is a no-op and any
// other move away from it is rejected. failed may be left again (the owner can
// reschedule or publish the post anew); repeating it with the same reason is a
// no-op. changed=false tells callers to skip the write.
func ApplyStatus(p Post, status PostStatus, f StatusFields, now time.Time) (out Post, changed bool, err error) {
	if !status.Valid() {
		return p, false, InvalidArgument("unknown post status %q", status)
	}
	switch p.Status {
	case PostPosted:
		if status != PostPosted || (f.ExternalID != "" && f.ExternalID != p.ExternalID) {
			return p, false, Transition("post %s: %s -> %s", p.ID, p.Status, status)
		}
		return p, false, nil
	case PostFailed:
		if status == PostFailed && (f.Reason == "" || f.Reason == p.FailureReason) {
			return p, false, nil
		}
	}

	out = p
	out.Status = status
	out.UpdatedAt = now
	out.PostedAt = nil
	switch status {
	case PostPosted:
		at := f.PostedAt
		if at.IsZero() {
			at = now
		}
		at = at.UTC()
		out.PostedAt = &at
		out.ExternalID = f.ExternalID
		out.FailureReason = ""
	case PostFailed:
		out.FailureReason = f.Reason
	case PostScheduled:
		out.ScheduledDate = f.ScheduledDate
		out.ScheduledTime = f.ScheduledTime
		out.FailureReason = ""
	default:
		out.ScheduledDate = ""
		out.ScheduledTime = ""
		out.FailureReason = ""
	}
	return out, true, nil
}
