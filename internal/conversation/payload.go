package conversation

// Job kinds. Every payload variant is discriminated by one of these in its
// "type" field. Variant schemas are append-only: persisted jobs written
// under an old schema must still parse after an upgrade, so fields are
// added, never removed or repurposed.
const (
	KindDeleteForEveryone           = "DeleteForEveryone"
	KindDeleteStoryForEveryone      = "DeleteStoryForEveryone"
	KindDirectExpirationTimerUpdate = "DirectExpirationTimerUpdate"
	KindGroupUpdate                 = "GroupUpdate"
	KindNormalMessage               = "NormalMessage"
	KindNullMessage                 = "NullMessage"
	KindProfileKey                  = "ProfileKey"
	KindReaction                    = "Reaction"
	KindResendRequest               = "ResendRequest"
	KindSavedProto                  = "SavedProto"
	KindSenderKeyDistribution       = "SenderKeyDistribution"
	KindStory                       = "Story"
	KindReceipts                    = "Receipts"
)

// Kinds returns every job kind, in a stable order.
func Kinds() []string {
	return []string{
		KindDeleteForEveryone,
		KindDeleteStoryForEveryone,
		KindDirectExpirationTimerUpdate,
		KindGroupUpdate,
		KindNormalMessage,
		KindNullMessage,
		KindProfileKey,
		KindReaction,
		KindResendRequest,
		KindSavedProto,
		KindSenderKeyDistribution,
		KindStory,
		KindReceipts,
	}
}

// Payload is one validated conversation job payload. The conversation ID is
// the serialization key: all kinds for one conversation share one lane.
type Payload interface {
	Kind() string
	Conversation() string
}

type DeleteForEveryone struct {
	Type            string   `json:"type"`
	ConversationID  string   `json:"conversationId"`
	MessageID       string   `json:"messageId"`
	Recipients      []string `json:"recipients,omitempty"`
	TargetTimestamp int64    `json:"targetTimestamp"`
}

func (p *DeleteForEveryone) Kind() string         { return KindDeleteForEveryone }
func (p *DeleteForEveryone) Conversation() string { return p.ConversationID }

// StoryRecipientUpdate is the per-recipient visibility state sent along
// with a story deletion.
type StoryRecipientUpdate struct {
	DestinationServiceID string   `json:"destinationServiceId"`
	DistributionListIDs  []string `json:"distributionListIds"`
	IsAllowedToReply     bool     `json:"isAllowedToReply,omitempty"`
}

type DeleteStoryForEveryone struct {
	Type              string                 `json:"type"`
	ConversationID    string                 `json:"conversationId"`
	StoryMessageID    string                 `json:"storyMessageId"`
	TargetTimestamp   int64                  `json:"targetTimestamp"`
	UpdatedRecipients []StoryRecipientUpdate `json:"updatedRecipients,omitempty"`
}

func (p *DeleteStoryForEveryone) Kind() string         { return KindDeleteStoryForEveryone }
func (p *DeleteStoryForEveryone) Conversation() string { return p.ConversationID }

type DirectExpirationTimerUpdate struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ExpireTimer    int64  `json:"expireTimer,omitempty"` // seconds; 0 disables
}

func (p *DirectExpirationTimerUpdate) Kind() string         { return KindDirectExpirationTimerUpdate }
func (p *DirectExpirationTimerUpdate) Conversation() string { return p.ConversationID }

type GroupUpdate struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversationId"`
	GroupChange    string   `json:"groupChangeBase64,omitempty"`
	Recipients     []string `json:"recipients"`
	Revision       int      `json:"revision"`
}

func (p *GroupUpdate) Kind() string         { return KindGroupUpdate }
func (p *GroupUpdate) Conversation() string { return p.ConversationID }

type NormalMessage struct {
	Type             string `json:"type"`
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
	Revision         int    `json:"revision,omitempty"`
	EditedTimestamp  int64  `json:"editedMessageTimestamp,omitempty"`
}

func (p *NormalMessage) Kind() string         { return KindNormalMessage }
func (p *NormalMessage) Conversation() string { return p.ConversationID }

type NullMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	IDForTracking  string `json:"idForTracking,omitempty"`
}

func (p *NullMessage) Kind() string         { return KindNullMessage }
func (p *NullMessage) Conversation() string { return p.ConversationID }

type ProfileKey struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	IsOneTimeSend  bool   `json:"isOneTimeSend,omitempty"`
}

func (p *ProfileKey) Kind() string         { return KindProfileKey }
func (p *ProfileKey) Conversation() string { return p.ConversationID }

type Reaction struct {
	Type                  string `json:"type"`
	ConversationID        string `json:"conversationId"`
	MessageID             string `json:"messageId"`
	Emoji                 string `json:"emoji"`
	Remove                bool   `json:"remove,omitempty"`
	TargetAuthorServiceID string `json:"targetAuthorServiceId"`
	TargetTimestamp       int64  `json:"targetTimestamp"`
}

func (p *Reaction) Kind() string         { return KindReaction }
func (p *Reaction) Conversation() string { return p.ConversationID }

type ResendRequest struct {
	Type              string `json:"type"`
	ConversationID    string `json:"conversationId"`
	ContentHint       int    `json:"contentHint"`
	GroupID           string `json:"groupId,omitempty"`
	PlaintextBase64   string `json:"plaintextBase64"`
	ReceivedAtCounter int64  `json:"receivedAtCounter"`
	ReceivedAtDate    int64  `json:"receivedAtDate"`
	SenderServiceID   string `json:"senderServiceId"`
	SentAt            int64  `json:"sentAt"`
}

func (p *ResendRequest) Kind() string         { return KindResendRequest }
func (p *ResendRequest) Conversation() string { return p.ConversationID }

type SavedProto struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ContentHint    int    `json:"contentHint"`
	ProtoBase64    string `json:"protoBase64"`
	Story          bool   `json:"story,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Urgent         bool   `json:"urgent,omitempty"`
}

func (p *SavedProto) Kind() string         { return KindSavedProto }
func (p *SavedProto) Conversation() string { return p.ConversationID }

type SenderKeyDistribution struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	GroupID        string `json:"groupId"`
}

func (p *SenderKeyDistribution) Kind() string         { return KindSenderKeyDistribution }
func (p *SenderKeyDistribution) Conversation() string { return p.ConversationID }

type Story struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Timestamp      int64    `json:"timestamp"`
}

func (p *Story) Kind() string         { return KindStory }
func (p *Story) Conversation() string { return p.ConversationID }

// Receipt is one receipt to flush, nested inside a Receipts payload.
type Receipt struct {
	MessageID            string `json:"messageId"`
	ConversationID       string `json:"conversationId"`
	SenderE164           string `json:"senderE164,omitempty"`
	SenderServiceID      string `json:"senderServiceId,omitempty"`
	Timestamp            int64  `json:"timestamp"`
	IsDirectConversation bool   `json:"isDirectConversation,omitempty"`
}

type Receipts struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	ReceiptsType   string    `json:"receiptsType"` // delivery | read | viewed
	Receipts       []Receipt `json:"receipts"`
}

func (p *Receipts) Kind() string         { return KindReceipts }
func (p *Receipts) Conversation() string { return p.ConversationID }
