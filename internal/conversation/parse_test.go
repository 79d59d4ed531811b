package conversation

import (
	"encoding/json"
	"testing"
)

var validPayloads = map[string]string{
	KindDeleteForEveryone:           `{"type":"DeleteForEveryone","conversationId":"c1","messageId":"m1","targetTimestamp":1700000000000,"recipients":["svc-a"]}`,
	KindDeleteStoryForEveryone:      `{"type":"DeleteStoryForEveryone","conversationId":"c1","storyMessageId":"s1","targetTimestamp":1700000000000,"updatedRecipients":[{"destinationServiceId":"svc-a","distributionListIds":["dl1"],"isAllowedToReply":true}]}`,
	KindDirectExpirationTimerUpdate: `{"type":"DirectExpirationTimerUpdate","conversationId":"c1","expireTimer":3600}`,
	KindGroupUpdate:                 `{"type":"GroupUpdate","conversationId":"c1","recipients":["svc-a","svc-b"],"revision":7,"groupChangeBase64":"aGk="}`,
	KindNormalMessage:               `{"type":"NormalMessage","conversationId":"c1","messageId":"m1","revision":1}`,
	KindNullMessage:                 `{"type":"NullMessage","conversationId":"c1","idForTracking":"t1"}`,
	KindProfileKey:                  `{"type":"ProfileKey","conversationId":"c1","isOneTimeSend":true}`,
	KindReaction:                    `{"type":"Reaction","conversationId":"c1","messageId":"m1","emoji":"x","targetAuthorServiceId":"svc-a","targetTimestamp":1700000000000}`,
	KindResendRequest:               `{"type":"ResendRequest","conversationId":"c1","contentHint":1,"plaintextBase64":"aGk=","receivedAtCounter":12,"receivedAtDate":1700000000000,"senderServiceId":"svc-a","sentAt":1700000000000}`,
	KindSavedProto:                  `{"type":"SavedProto","conversationId":"c1","contentHint":0,"protoBase64":"aGk=","timestamp":1700000000000,"urgent":true}`,
	KindSenderKeyDistribution:       `{"type":"SenderKeyDistribution","conversationId":"c1","groupId":"g1"}`,
	KindStory:                       `{"type":"Story","conversationId":"c1","messageIds":["m1","m2"],"timestamp":1700000000000}`,
	KindReceipts:                    `{"type":"Receipts","conversationId":"c1","receiptsType":"read","receipts":[{"messageId":"m1","conversationId":"c1","timestamp":1700000000000}]}`,
}

func TestParseAcceptsEveryKind(t *testing.T) {
	for _, kind := range Kinds() {
		raw, ok := validPayloads[kind]
		if !ok {
			t.Fatalf("missing fixture for kind %s", kind)
		}
		t.Run(kind, func(t *testing.T) {
			p, err := ParsePayload(json.RawMessage(raw))
			if err != nil {
				t.Fatalf("ParsePayload: %v", err)
			}
			if p.Kind() != kind {
				t.Errorf("Kind() = %q, want %q", p.Kind(), kind)
			}
			if p.Conversation() != "c1" {
				t.Errorf("Conversation() = %q, want c1", p.Conversation())
			}
		})
	}
}

func TestParseRejectsInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an object", `"hello"`},
		{"unknown type", `{"type":"Telepathy","conversationId":"c1"}`},
		{"missing type", `{"conversationId":"c1"}`},
		{"missing conversation id", `{"type":"NormalMessage","messageId":"m1"}`},
		{"empty conversation id", `{"type":"NormalMessage","conversationId":"","messageId":"m1"}`},
		{"missing required field", `{"type":"Reaction","conversationId":"c1","messageId":"m1","emoji":"x"}`},
		{"wrong field type", `{"type":"GroupUpdate","conversationId":"c1","recipients":"svc-a","revision":1}`},
		{"bad receipt entry", `{"type":"Receipts","conversationId":"c1","receiptsType":"read","receipts":[{"messageId":"m1"}]}`},
		{"bad receipts type", `{"type":"Receipts","conversationId":"c1","receiptsType":"smoke","receipts":[]}`},
		{"empty story ids", `{"type":"Story","conversationId":"c1","messageIds":[],"timestamp":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePayload(json.RawMessage(tc.raw))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsSchemaValidationError(err) {
				t.Errorf("error type = %T, want *SchemaValidationError", err)
			}
		})
	}
}

func TestParseToleratesUnknownFields(t *testing.T) {
	// Schemas are append-only: payloads written by newer versions carry
	// fields this version does not know about.
	raw := `{"type":"NullMessage","conversationId":"c1","futureField":{"nested":true}}`
	if _, err := ParsePayload(json.RawMessage(raw)); err != nil {
		t.Fatalf("unknown fields must be tolerated: %v", err)
	}
}
