package model

import (
	"encoding/json"
	"time"
)

type User struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatarUrl"`
}

type PendingOp string

const (
	PendingCreate  PendingOp = "create"
	PendingUpdate  PendingOp = "update"
	PendingDelete  PendingOp = "delete"
	PendingResolve PendingOp = "resolve"
	PendingReopen  PendingOp = "reopen"
)

// Pending marks a comment whose visible state was written speculatively and
// has not been confirmed by the server yet.
type Pending struct {
	MutationID string    `json:"mutationId"`
	Op         PendingOp `json:"op"`
	Since      time.Time `json:"since"`
}

type Comment struct {
	ID              string          `json:"id"`
	PageID          string          `json:"pageId"`
	SpaceID         string          `json:"spaceId,omitempty"`
	WorkspaceID     string          `json:"workspaceId,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	Selection       *string         `json:"selection,omitempty"`
	Type            string          `json:"type,omitempty"`
	ParentCommentID *string         `json:"parentCommentId,omitempty"`
	CreatorID       string          `json:"creatorId,omitempty"`
	Creator         *User           `json:"creator,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	EditedAt        *time.Time      `json:"editedAt,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt"`
	ResolvedByID    *string         `json:"resolvedById"`
	ResolvedBy      *User           `json:"resolvedBy"`

	// Pending is client-only state and is never sent to or read from the
	// server; snapshots persist it so a restart still knows which entries were
	// never confirmed.
	Pending *Pending `json:"pending,omitempty"`
}

func (c Comment) ItemID() string {
	return c.ID
}

func (c Comment) IsPending() bool {
	return c.Pending != nil
}

func (c Comment) IsResolved() bool {
	return c.ResolvedAt != nil
}

// Confirmed returns c without its pending marker.
func (c Comment) Confirmed() Comment {
	c.Pending = nil
	return c
}

type CreateCommentInput struct {
	PageID          string          `json:"pageId"`
	Content         json.RawMessage `json:"content"`
	Selection       *string         `json:"selection,omitempty"`
	Type            string          `json:"type,omitempty"`
	ParentCommentID *string         `json:"parentCommentId,omitempty"`
}

type UpdateCommentInput struct {
	CommentID string          `json:"commentId"`
	PageID    string          `json:"-"`
	Content   json.RawMessage `json:"content"`
}

type DeleteCommentInput struct {
	CommentID string `json:"commentId"`
	PageID    string `json:"-"`
}

type ResolveCommentInput struct {
	CommentID string `json:"commentId"`
	PageID    string `json:"pageId"`
	Resolved  bool   `json:"resolved"`
}
