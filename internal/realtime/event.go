package realtime

import (
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/pagetree"
)

const (
	OpInvalidate                = "invalidate"
	OpCommentCreated            = "commentCreated"
	OpCommentUpdated            = "commentUpdated"
	OpCommentDeleted            = "commentDeleted"
	OpCommentResolved           = "commentResolved"
	OpUpdateOne                 = "updateOne"
	OpDeleteOne                 = "deleteOne"
	OpAddTreeNode               = "addTreeNode"
	OpMoveTreeNode              = "moveTreeNode"
	OpDeleteTreeNode            = "deleteTreeNode"
	OpRefetchRootTreeNode       = "refetchRootTreeNode"
	OpRefetchRootTreeNodeLegacy = "refetchRootTreeNodeEvent"
)

// Event is the closed set of messages pushed by the collaboration server.
// Only types in this package implement it.
type Event interface {
	Operation() string
	isEvent()
}

type Invalidate struct {
	SpaceID string   `json:"spaceId"`
	Entity  []string `json:"entity"`
	ID      string   `json:"id,omitempty"`
}

type CommentCreated struct {
	PageID  string        `json:"pageId"`
	Comment model.Comment `json:"comment"`
}

type CommentUpdated struct {
	PageID  string        `json:"pageId"`
	Comment model.Comment `json:"comment"`
}

type CommentDeleted struct {
	PageID    string `json:"pageId"`
	CommentID string `json:"commentId"`
}

type CommentResolved struct {
	PageID  string        `json:"pageId"`
	Comment model.Comment `json:"comment"`
}

type UpdateOne struct {
	SpaceID string       `json:"spaceId"`
	Entity  []string     `json:"entity"`
	ID      string       `json:"id"`
	Payload model.Record `json:"payload"`
}

type DeleteOne struct {
	SpaceID string       `json:"spaceId"`
	Entity  []string     `json:"entity"`
	ID      string       `json:"id"`
	Payload model.Record `json:"payload,omitempty"`
}

type AddTreeNodePayload struct {
	ParentID string        `json:"parentId"`
	Index    int           `json:"index"`
	Data     pagetree.Node `json:"data"`
}

type AddTreeNode struct {
	SpaceID string             `json:"spaceId"`
	Payload AddTreeNodePayload `json:"payload"`
}

type MoveTreeNodePayload struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parentId"`
	OldParentID *string      `json:"oldParentId"`
	Index       int          `json:"index"`
	Position    string       `json:"position"`
	PageData    model.Record `json:"pageData"`
}

type MoveTreeNode struct {
	SpaceID string              `json:"spaceId"`
	Payload MoveTreeNodePayload `json:"payload"`
}

type DeleteTreeNodePayload struct {
	Node pagetree.Node `json:"node"`
}

type DeleteTreeNode struct {
	SpaceID string                `json:"spaceId"`
	Payload DeleteTreeNodePayload `json:"payload"`
}

type RefetchRootTreeNode struct {
	SpaceID string `json:"spaceId"`
}

func (Invalidate) Operation() string          { return OpInvalidate }
func (CommentCreated) Operation() string      { return OpCommentCreated }
func (CommentUpdated) Operation() string      { return OpCommentUpdated }
func (CommentDeleted) Operation() string      { return OpCommentDeleted }
func (CommentResolved) Operation() string     { return OpCommentResolved }
func (UpdateOne) Operation() string           { return OpUpdateOne }
func (DeleteOne) Operation() string           { return OpDeleteOne }
func (AddTreeNode) Operation() string         { return OpAddTreeNode }
func (MoveTreeNode) Operation() string        { return OpMoveTreeNode }
func (DeleteTreeNode) Operation() string      { return OpDeleteTreeNode }
func (RefetchRootTreeNode) Operation() string { return OpRefetchRootTreeNode }

func (Invalidate) isEvent()          {}
func (CommentCreated) isEvent()      {}
func (CommentUpdated) isEvent()      {}
func (CommentDeleted) isEvent()      {}
func (CommentResolved) isEvent()     {}
func (UpdateOne) isEvent()           {}
func (DeleteOne) isEvent()           {}
func (AddTreeNode) isEvent()         {}
func (MoveTreeNode) isEvent()        {}
func (DeleteTreeNode) isEvent()      {}
func (RefetchRootTreeNode) isEvent() {}
