package gateway

import (
	"errors"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"
	"chatrelay/pkg/validation"
)

// Pipeline applies client events in arrival order. A single worker drains
// the queue so every session observes mutations in the same order the
// relay accepted them.
type Pipeline struct {
	q   *Queue
	hub *Hub
}

// NewPipeline wires the queue to the hub.
func NewPipeline(q *Queue, hub *Hub) *Pipeline {
	return &Pipeline{q: q, hub: hub}
}

// Run drains the queue until stop closes or the queue is closed.
func (p *Pipeline) Run(stop <-chan struct{}) {
	logger.Info("relay_pipeline_started")
	defer logger.Info("relay_pipeline_stopped")
	p.q.RunWorker(stop, func(op *Op) error {
		err := p.handle(op)
		telemetry.SetQueueDepth(p.q.Len())
		return err
	})
}

// handle dispatches one event. Failures notify the origin session only;
// the connection always stays open.
func (p *Pipeline) handle(op *Op) error {
	var err error
	switch op.Event {
	case protocol.EvSendMessage:
		err = p.handleSend(op)
	case protocol.EvEditMessage:
		err = p.handleEdit(op)
	case protocol.EvDeleteMessage:
		err = p.handleDelete(op)
	case protocol.EvToggleReaction:
		err = p.handleToggle(op)
	case protocol.EvReplyToMessage:
		err = p.handleReply(op)
	default:
		// the read pump filters unknown events; getting here is a bug
		logger.Error("pipeline_unknown_event", "event", op.Event)
		return nil
	}
	if err != nil {
		p.reject(op, err)
		return err
	}
	telemetry.CountEvent(op.Event)
	return nil
}

// reject reports a pipeline failure back to the submitting session.
func (p *Pipeline) reject(op *Op, err error) {
	logger.Warn("event_rejected", "event", op.Event, "user", op.From.ID, "error", err)
	if op.Origin == nil {
		return
	}
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		op.Origin.notifyError(verr.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		op.Origin.notifyError("message not found")
		return
	}
	op.Origin.notifyError(err.Error())
}

// bind decodes the op payload into v using the envelope rules.
func bind(op *Op, v any) error {
	env := protocol.Envelope{Event: op.Event, Data: op.Payload}
	return env.Bind(v)
}

// broadcastEvent encodes an envelope once and fans it out.
func (p *Pipeline) broadcastEvent(event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		logger.Error("broadcast_encode_failed", "event", event, "error", err)
		return
	}
	p.hub.Broadcast(payload)
}

func (p *Pipeline) handleSend(op *Op) error {
	var req protocol.SendMessage
	if err := bind(op, &req); err != nil {
		return err
	}
	if err := validation.ValidateSend(&req); err != nil {
		return err
	}
	// an outbox replay whose first attempt already landed re-broadcasts
	// the existing message instead of inserting a duplicate
	if req.CorrelationID != "" {
		if prev, err := store.GetMessageByCorrelation(req.CorrelationID); err == nil {
			logger.Debug("send_deduplicated", "msg_id", prev.ID, "correlation_id", req.CorrelationID)
			p.broadcastEvent(protocol.EvMessage, prev)
			return nil
		}
	}
	msg := models.Message{
		ID:            utils.GenID(),
		CorrelationID: req.CorrelationID,
		Author:        op.From.ID,
		Username:      op.From.Username,
		Text:          req.Text,
		CreatedAt:     op.TS,
		ParentID:      req.ParentID,
	}
	if err := store.SaveMessage(msg); err != nil {
		return err
	}
	p.broadcastEvent(protocol.EvMessage, msg)
	return nil
}

func (p *Pipeline) handleEdit(op *Op) error {
	var req protocol.EditMessage
	if err := bind(op, &req); err != nil {
		return err
	}
	if err := validation.ValidateEdit(&req); err != nil {
		return err
	}
	msg, err := store.GetMessage(req.MessageID)
	if err != nil {
		return err
	}
	if msg.Author != op.From.ID {
		return &protocol.ValidationError{Field: "messageId", Reason: "only the author can edit a message"}
	}
	if msg.Deleted {
		return store.ErrNotFound
	}
	msg.Text = req.NewText
	msg.IsEdited = true
	msg.EditedAt = op.TS
	if err := store.UpdateMessage(msg); err != nil {
		return err
	}
	p.broadcastEvent(protocol.EvEditMessage, msg)
	return nil
}

func (p *Pipeline) handleDelete(op *Op) error {
	var id string
	if err := bind(op, &id); err != nil {
		return err
	}
	if err := validation.ValidateDelete(&id); err != nil {
		return err
	}
	msg, err := store.GetMessage(id)
	if err != nil {
		return err
	}
	if msg.Author != op.From.ID {
		return &protocol.ValidationError{Field: "messageId", Reason: "only the author can delete a message"}
	}
	if msg.Deleted {
		// already a tombstone; nothing to relay
		return nil
	}
	msg.Deleted = true
	msg.DeletedAt = op.TS
	if err := store.UpdateMessage(msg); err != nil {
		return err
	}
	p.broadcastEvent(protocol.EvDeleteMessage, msg.ID)
	return nil
}

func (p *Pipeline) handleToggle(op *Op) error {
	var req protocol.ToggleReaction
	if err := bind(op, &req); err != nil {
		return err
	}
	if err := validation.ValidateToggle(&req); err != nil {
		return err
	}
	msg, err := store.GetMessage(req.MessageID)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return store.ErrNotFound
	}
	msg.ToggleReaction(req.Reaction, op.From.ID)
	if err := store.UpdateMessage(msg); err != nil {
		return err
	}
	p.broadcastEvent(protocol.EvReaction, protocol.ReactionState{
		ID:        msg.ID,
		Reactions: msg.CloneReactions(),
	})
	return nil
}

func (p *Pipeline) handleReply(op *Op) error {
	var req protocol.ReplyToMessage
	if err := bind(op, &req); err != nil {
		return err
	}
	if err := validation.ValidateReply(&req); err != nil {
		return err
	}
	parent, err := store.GetMessage(req.ParentID)
	if err != nil {
		return err
	}
	if parent.Deleted {
		return store.ErrNotFound
	}
	if req.CorrelationID != "" {
		if prev, err := store.GetMessageByCorrelation(req.CorrelationID); err == nil {
			logger.Debug("reply_deduplicated", "msg_id", prev.ID, "correlation_id", req.CorrelationID)
			p.broadcastEvent(protocol.EvReplyCreated, prev)
			return nil
		}
	}
	msg := models.Message{
		ID:            utils.GenID(),
		CorrelationID: req.CorrelationID,
		Author:        op.From.ID,
		Username:      op.From.Username,
		Text:          req.Text,
		CreatedAt:     op.TS,
		ParentID:      parent.ID,
	}
	if err := store.SaveMessage(msg); err != nil {
		return err
	}
	p.broadcastEvent(protocol.EvReplyCreated, msg)
	return nil
}
