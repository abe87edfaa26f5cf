package executor

import (
	"context"

	"github.com/fleetsync/pkg/models"
)

// Capability names a platform action a backend can perform.
type Capability string

const (
	CapCommentReply  Capability = "comment_reply"
	CapDirectMessage Capability = "direct_message"
)

// TargetRef is the canonical internal addressing shape. Exactly one form is
// populated: the split conversation/message pair, or the legacy opaque id.
// Wire payloads never carry this type; normalization happens once at the
// deserialization boundary.
type TargetRef struct {
	ConversationID string
	MessageID      string
	LegacyID       string
}

// Split reports whether the reference uses the conversation/message form.
func (t TargetRef) Split() bool { return t.ConversationID != "" || t.MessageID != "" }

// NormalizeTarget derives the canonical reference from a wire command,
// preferring the split fields when present.
func NormalizeTarget(cmd models.ReplyCommand) TargetRef {
	if cmd.ConversationID != "" || cmd.PlatformMessageID != "" {
		return TargetRef{ConversationID: cmd.ConversationID, MessageID: cmd.PlatformMessageID}
	}
	return TargetRef{LegacyID: cmd.TargetID}
}

// DispatchRequest is what a backend needs to perform one reply.
type DispatchRequest struct {
	AccountID  string
	TargetType models.TargetType
	Target     TargetRef
	Content    string
}

// DispatchResult distinguishes a platform-confirmed send from an explicit,
// non-exceptional refusal (policy- or auth-gated).
type DispatchResult struct {
	PlatformReplyID string
	Refused         bool
	RefusalReason   string
}

// Backend is the platform surface replies are dispatched to.
type Backend interface {
	Has(cap Capability) bool
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

func requiredCapability(t models.TargetType) (Capability, bool) {
	switch t {
	case models.TargetComment:
		return CapCommentReply, true
	case models.TargetDirectMessage:
		return CapDirectMessage, true
	default:
		return "", false
	}
}
