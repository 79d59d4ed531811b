package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ParsePayload validates raw against the variant schema named by its "type"
// field and returns the typed payload. Any failure is a
// *SchemaValidationError; the caller must drop the job, not retry it.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &SchemaValidationError{Message: fmt.Sprintf("payload is not a JSON object: %v", err)}
	}
	schema, ok := schemas[head.Type]
	if !ok {
		return nil, &SchemaValidationError{Kind: head.Type, Message: fmt.Sprintf("unknown job type %q", head.Type)}
	}

	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &SchemaValidationError{Kind: head.Type, Message: fmt.Sprintf("validate payload: %v", err)}
	}
	if !res.Valid() {
		items := make([]ValidationErrorItem, 0, len(res.Errors()))
		for _, item := range res.Errors() {
			items = append(items, ValidationErrorItem{
				Path:    item.Field(),
				Message: item.Description(),
				Value:   item.Value(),
			})
		}
		return nil, &SchemaValidationError{
			Kind:    head.Type,
			Errors:  items,
			Message: fmt.Sprintf("payload does not match %s schema", head.Type),
		}
	}

	p := newPayload(head.Type)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &SchemaValidationError{Kind: head.Type, Message: fmt.Sprintf("decode %s payload: %v", head.Type, err)}
	}
	return p, nil
}

func newPayload(kind string) Payload {
	switch kind {
	case KindDeleteForEveryone:
		return &DeleteForEveryone{}
	case KindDeleteStoryForEveryone:
		return &DeleteStoryForEveryone{}
	case KindDirectExpirationTimerUpdate:
		return &DirectExpirationTimerUpdate{}
	case KindGroupUpdate:
		return &GroupUpdate{}
	case KindNormalMessage:
		return &NormalMessage{}
	case KindNullMessage:
		return &NullMessage{}
	case KindProfileKey:
		return &ProfileKey{}
	case KindReaction:
		return &Reaction{}
	case KindResendRequest:
		return &ResendRequest{}
	case KindSavedProto:
		return &SavedProto{}
	case KindSenderKeyDistribution:
		return &SenderKeyDistribution{}
	case KindStory:
		return &Story{}
	case KindReceipts:
		return &Receipts{}
	}
	return nil
}
