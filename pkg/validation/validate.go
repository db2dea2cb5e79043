package validation

import (
	"strings"

	"chatrelay/pkg/protocol"
)

// Limits bounds user-supplied payload fields. Zero values fall back to
// the package defaults.
type Limits struct {
	MaxTextLen     int
	MaxReactionLen int
	MaxIDLen       int
}

var limits = Limits{
	MaxTextLen:     2000,
	MaxReactionLen: 32,
	MaxIDLen:       128,
}

// SetLimits replaces the active limits. Called once during startup.
func SetLimits(l Limits) {
	if l.MaxTextLen > 0 {
		limits.MaxTextLen = l.MaxTextLen
	}
	if l.MaxReactionLen > 0 {
		limits.MaxReactionLen = l.MaxReactionLen
	}
	if l.MaxIDLen > 0 {
		limits.MaxIDLen = l.MaxIDLen
	}
}

func requireText(field, v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", &protocol.ValidationError{Field: field, Reason: "required"}
	}
	if len(s) > limits.MaxTextLen {
		return "", &protocol.ValidationError{Field: field, Reason: "too long"}
	}
	return s, nil
}

func requireID(field, v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", &protocol.ValidationError{Field: field, Reason: "required"}
	}
	if len(s) > limits.MaxIDLen {
		return "", &protocol.ValidationError{Field: field, Reason: "too long"}
	}
	return s, nil
}

// ValidateSend normalizes and checks a sendMessage payload in place.
func ValidateSend(p *protocol.SendMessage) error {
	text, err := requireText("text", p.Text)
	if err != nil {
		return err
	}
	cid, err := requireID("correlationId", p.CorrelationID)
	if err != nil {
		return err
	}
	if p.ParentID != "" {
		pid, err := requireID("parentId", p.ParentID)
		if err != nil {
			return err
		}
		p.ParentID = pid
	}
	p.Text, p.CorrelationID = text, cid
	return nil
}

// ValidateEdit normalizes and checks an editMessage payload in place.
func ValidateEdit(p *protocol.EditMessage) error {
	id, err := requireID("messageId", p.MessageID)
	if err != nil {
		return err
	}
	text, err := requireText("newText", p.NewText)
	if err != nil {
		return err
	}
	p.MessageID, p.NewText = id, text
	return nil
}

// ValidateDelete checks a deleteMessage payload (a bare message id).
func ValidateDelete(id *string) error {
	v, err := requireID("messageId", *id)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ValidateToggle normalizes and checks a toggleReaction payload in place.
func ValidateToggle(p *protocol.ToggleReaction) error {
	id, err := requireID("messageId", p.MessageID)
	if err != nil {
		return err
	}
	r := strings.TrimSpace(p.Reaction)
	if r == "" {
		return &protocol.ValidationError{Field: "reaction", Reason: "required"}
	}
	if len(r) > limits.MaxReactionLen {
		return &protocol.ValidationError{Field: "reaction", Reason: "too long"}
	}
	p.MessageID, p.Reaction = id, r
	return nil
}

// ValidateReply normalizes and checks a replyToMessage payload in place.
func ValidateReply(p *protocol.ReplyToMessage) error {
	pid, err := requireID("parentId", p.ParentID)
	if err != nil {
		return err
	}
	text, err := requireText("text", p.Text)
	if err != nil {
		return err
	}
	cid, err := requireID("correlationId", p.CorrelationID)
	if err != nil {
		return err
	}
	p.ParentID, p.Text, p.CorrelationID = pid, text, cid
	return nil
}
