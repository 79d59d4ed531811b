package conversation

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Per-kind payload schemas. additionalProperties stays open on purpose:
// newer writers may add fields that older readers must still accept.
var schemaSources = map[string]string{
	KindDeleteForEveryone: `{
		"type": "object",
		"required": ["type", "conversationId", "messageId", "targetTimestamp"],
		"properties": {
			"type": {"const": "DeleteForEveryone"},
			"conversationId": {"type": "string", "minLength": 1},
			"messageId": {"type": "string", "minLength": 1},
			"recipients": {"type": "array", "items": {"type": "string"}},
			"targetTimestamp": {"type": "integer"}
		}
	}`,
	KindDeleteStoryForEveryone: `{
		"type": "object",
		"required": ["type", "conversationId", "storyMessageId", "targetTimestamp"],
		"properties": {
			"type": {"const": "DeleteStoryForEveryone"},
			"conversationId": {"type": "string", "minLength": 1},
			"storyMessageId": {"type": "string", "minLength": 1},
			"targetTimestamp": {"type": "integer"},
			"updatedRecipients": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["destinationServiceId", "distributionListIds"],
					"properties": {
						"destinationServiceId": {"type": "string", "minLength": 1},
						"distributionListIds": {"type": "array", "items": {"type": "string"}},
						"isAllowedToReply": {"type": "boolean"}
					}
				}
			}
		}
	}`,
	KindDirectExpirationTimerUpdate: `{
		"type": "object",
		"required": ["type", "conversationId"],
		"properties": {
			"type": {"const": "DirectExpirationTimerUpdate"},
			"conversationId": {"type": "string", "minLength": 1},
			"expireTimer": {"type": "integer", "minimum": 0}
		}
	}`,
	KindGroupUpdate: `{
		"type": "object",
		"required": ["type", "conversationId", "recipients", "revision"],
		"properties": {
			"type": {"const": "GroupUpdate"},
			"conversationId": {"type": "string", "minLength": 1},
			"groupChangeBase64": {"type": "string"},
			"recipients": {"type": "array", "items": {"type": "string"}},
			"revision": {"type": "integer", "minimum": 0}
		}
	}`,
	KindNormalMessage: `{
		"type": "object",
		"required": ["type", "conversationId", "messageId"],
		"properties": {
			"type": {"const": "NormalMessage"},
			"conversationId": {"type": "string", "minLength": 1},
			"messageId": {"type": "string", "minLength": 1},
			"revision": {"type": "integer", "minimum": 0},
			"editedMessageTimestamp": {"type": "integer"}
		}
	}`,
	KindNullMessage: `{
		"type": "object",
		"required": ["type", "conversationId"],
		"properties": {
			"type": {"const": "NullMessage"},
			"conversationId": {"type": "string", "minLength": 1},
			"idForTracking": {"type": "string"}
		}
	}`,
	KindProfileKey: `{
		"type": "object",
		"required": ["type", "conversationId"],
		"properties": {
			"type": {"const": "ProfileKey"},
			"conversationId": {"type": "string", "minLength": 1},
			"isOneTimeSend": {"type": "boolean"}
		}
	}`,
	KindReaction: `{
		"type": "object",
		"required": ["type", "conversationId", "messageId", "emoji", "targetAuthorServiceId", "targetTimestamp"],
		"properties": {
			"type": {"const": "Reaction"},
			"conversationId": {"type": "string", "minLength": 1},
			"messageId": {"type": "string", "minLength": 1},
			"emoji": {"type": "string", "minLength": 1},
			"remove": {"type": "boolean"},
			"targetAuthorServiceId": {"type": "string", "minLength": 1},
			"targetTimestamp": {"type": "integer"}
		}
	}`,
	KindResendRequest: `{
		"type": "object",
		"required": ["type", "conversationId", "contentHint", "plaintextBase64", "receivedAtCounter", "receivedAtDate", "senderServiceId", "sentAt"],
		"properties": {
			"type": {"const": "ResendRequest"},
			"conversationId": {"type": "string", "minLength": 1},
			"contentHint": {"type": "integer"},
			"groupId": {"type": "string"},
			"plaintextBase64": {"type": "string"},
			"receivedAtCounter": {"type": "integer"},
			"receivedAtDate": {"type": "integer"},
			"senderServiceId": {"type": "string", "minLength": 1},
			"sentAt": {"type": "integer"}
		}
	}`,
	KindSavedProto: `{
		"type": "object",
		"required": ["type", "conversationId", "contentHint", "protoBase64", "timestamp"],
		"properties": {
			"type": {"const": "SavedProto"},
			"conversationId": {"type": "string", "minLength": 1},
			"contentHint": {"type": "integer"},
			"protoBase64": {"type": "string"},
			"story": {"type": "boolean"},
			"timestamp": {"type": "integer"},
			"urgent": {"type": "boolean"}
		}
	}`,
	KindSenderKeyDistribution: `{
		"type": "object",
		"required": ["type", "conversationId", "groupId"],
		"properties": {
			"type": {"const": "SenderKeyDistribution"},
			"conversationId": {"type": "string", "minLength": 1},
			"groupId": {"type": "string", "minLength": 1}
		}
	}`,
	KindStory: `{
		"type": "object",
		"required": ["type", "conversationId", "messageIds", "timestamp"],
		"properties": {
			"type": {"const": "Story"},
			"conversationId": {"type": "string", "minLength": 1},
			"messageIds": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"timestamp": {"type": "integer"}
		}
	}`,
	KindReceipts: `{
		"type": "object",
		"required": ["type", "conversationId", "receiptsType", "receipts"],
		"properties": {
			"type": {"const": "Receipts"},
			"conversationId": {"type": "string", "minLength": 1},
			"receiptsType": {"enum": ["delivery", "read", "viewed"]},
			"receipts": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["messageId", "conversationId", "timestamp"],
					"properties": {
						"messageId": {"type": "string", "minLength": 1},
						"conversationId": {"type": "string", "minLength": 1},
						"senderE164": {"type": "string"},
						"senderServiceId": {"type": "string"},
						"timestamp": {"type": "integer"},
						"isDirectConversation": {"type": "boolean"}
					}
				}
			}
		}
	}`,
}

var schemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(schemaSources))
	for kind, src := range schemaSources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("compile %s payload schema: %v", kind, err))
		}
		out[kind] = s
	}
	return out
}
