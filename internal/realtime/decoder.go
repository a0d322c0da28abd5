package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrMalformedEvent marks frames that fail JSON parsing, schema
	// validation or typed decoding. They are logged and skipped.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEvent marks well-formed frames whose operation this client
	// does not handle. They are skipped.
	ErrUnknownEvent = errors.New("unknown event operation")
)

//go:embed schema/events.json
var eventSchema []byte

const eventSchemaURL = "https://schemas.relaycache.dev/events.json"

// Decoder validates raw frames against the event schema and decodes them into
// Event values. It is safe for concurrent use.
type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchema))
	if err != nil {
		return nil, errors.Wrap(err, "parse event schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
		return nil, errors.Wrap(err, "add event schema")
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		return nil, errors.Wrap(err, "compile event schema")
	}
	return &Decoder{schema: schema}, nil
}

type envelope struct {
	Operation string `json:"operation"`
}

func (d *Decoder) Decode(data []byte) (Event, error) {
	var head envelope
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse event"), ErrMalformedEvent)
	}
	if head.Operation == "" {
		return nil, errors.Mark(errors.New("event has no operation"), ErrMalformedEvent)
	}
	target := newEvent(head.Operation)
	if target == nil {
		return nil, errors.Mark(errors.Newf("operation %q", head.Operation), ErrUnknownEvent)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse event"), ErrMalformedEvent)
	}
	if err := d.schema.Validate(inst); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "validate %s event", head.Operation), ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s event", head.Operation), ErrMalformedEvent)
	}
	return deref(target), nil
}

func newEvent(operation string) any {
	switch operation {
	case OpInvalidate:
		return &Invalidate{}
	case OpCommentCreated:
		return &CommentCreated{}
	case OpCommentUpdated:
		return &CommentUpdated{}
	case OpCommentDeleted:
		return &CommentDeleted{}
	case OpCommentResolved:
		return &CommentResolved{}
	case OpUpdateOne:
		return &UpdateOne{}
	case OpDeleteOne:
		return &DeleteOne{}
	case OpAddTreeNode:
		return &AddTreeNode{}
	case OpMoveTreeNode:
		return &MoveTreeNode{}
	case OpDeleteTreeNode:
		return &DeleteTreeNode{}
	case OpRefetchRootTreeNode, OpRefetchRootTreeNodeLegacy:
		return &RefetchRootTreeNode{}
	default:
		return nil
	}
}

func deref(target any) Event {
	switch ev := target.(type) {
	case *Invalidate:
		return *ev
	case *CommentCreated:
		return *ev
	case *CommentUpdated:
		return *ev
	case *CommentDeleted:
		return *ev
	case *CommentResolved:
		return *ev
	case *UpdateOne:
		return *ev
	case *DeleteOne:
		return *ev
	case *AddTreeNode:
		return *ev
	case *MoveTreeNode:
		return *ev
	case *DeleteTreeNode:
		return *ev
	case *RefetchRootTreeNode:
		return *ev
	default:
		return nil
	}
}

// Encode renders ev in its wire form, with the operation tag set.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.Operation())
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.Operation())
	}
	tag, _ := json.Marshal(ev.Operation())
	fields["operation"] = tag
	return json.Marshal(fields)
}
