package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/utils"
)

// DeliveryState tags a local entry's position in the confirmation
// lifecycle. While pending the entry's identity is its correlation id;
// once sent it is the server id.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Entry is a message as the engine tracks it locally.
type Entry struct {
	models.Message
	DeliveryState DeliveryState `json:"deliveryState"`
}

// EngineConfig wires the engine to its collaborators. Session is the
// transport; Outbox (optional) queues operations attempted while
// disconnected; HistoryURL (optional) is the fetch-initial endpoint,
// e.g. http://localhost:8080/api/messages.
type EngineConfig struct {
	Identity     models.Identity
	Session      *Session
	Outbox       *Outbox
	HistoryURL   string
	HistoryLimit int

	// OnChange fires after every visible mutation of the local list.
	OnChange func()
	// OnReplySent fires when a reply has been dispatched, so composing
	// state can be cleared.
	OnReplySent func()
}

// Engine is the client state machine: operations apply optimistically
// to an ordered local list and reconcile against broadcast echoes by
// correlation id first, then server id.
type Engine struct {
	cfg EngineConfig

	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	byCorr  map[string]*Entry
	online  []models.OnlineUser

	// awaitAck maps event+":"+messageID of a drained mutation to its
	// journal correlation id. The entry is acked when the matching
	// broadcast comes back, not when the frame leaves the buffer.
	awaitAck map[string]string
}

// NewEngine builds an engine and registers its reconciliation handlers
// on the session. On every reconnect the engine drains the outbox and
// refreshes its history snapshot.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	e := &Engine{
		cfg:      cfg,
		byID:     map[string]*Entry{},
		byCorr:   map[string]*Entry{},
		awaitAck: map[string]string{},
	}
	if s := cfg.Session; s != nil {
		s.On(protocol.EvMessage, func(raw json.RawMessage) { e.applyCanonical("create", raw) })
		s.On(protocol.EvReplyCreated, func(raw json.RawMessage) { e.applyCanonical("reply", raw) })
		s.On(protocol.EvEditMessage, func(raw json.RawMessage) { e.applyCanonical("edit", raw) })
		s.On(protocol.EvDeleteMessage, e.onDelete)
		s.On(protocol.EvReaction, e.onReaction)
		s.On(protocol.EvOnlineUsers, e.onOnline)
		s.OnState(func(st ConnState) {
			if st == StateConnected {
				go e.handleConnected()
			}
		})
	}
	return e
}

// Send creates an optimistic pending entry and dispatches the create.
// Empty (after trim) text is a no-op. Returns the correlation id of the
// new entry, or "" when nothing was created.
func (e *Engine) Send(text, parentID string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	corr := utils.GenID()
	e.appendPending(corr, text, parentID)
	e.dispatchOp(protocol.EvSendMessage, corr, protocol.SendMessage{
		Text:          text,
		CorrelationID: corr,
		ParentID:      parentID,
	})
	return corr
}

// Reply sends a threaded reply and clears composing state via the
// OnReplySent callback.
func (e *Engine) Reply(parentID, text string) string {
	if parentID == "" || strings.TrimSpace(text) == "" {
		return ""
	}
	corr := utils.GenID()
	e.appendPending(corr, text, parentID)
	e.dispatchOp(protocol.EvReplyToMessage, corr, protocol.ReplyToMessage{
		ParentID:      parentID,
		Text:          text,
		CorrelationID: corr,
	})
	if e.cfg.OnReplySent != nil {
		e.cfg.OnReplySent()
	}
	return corr
}

// Edit rewrites a message owned by this identity. Unknown ids are a
// no-op with no emission. Editing an entry whose create is still queued
// amends the queued payload instead of emitting.
func (e *Engine) Edit(id, newText string) {
	if strings.TrimSpace(newText) == "" {
		return
	}
	e.mu.Lock()
	entry, ok := e.lookupLocked(id)
	if !ok || entry.Deleted {
		e.mu.Unlock()
		return
	}
	if entry.Author != e.cfg.Identity.ID {
		e.mu.Unlock()
		logger.Warn("edit_refused_not_author", "msg_id", id)
		return
	}
	entry.Text = newText
	serverID := entry.ID
	pendingCorr := ""
	parentID := entry.ParentID
	if serverID == "" {
		// the create never left, so this is not an edit server-side
		pendingCorr = entry.CorrelationID
	} else {
		entry.IsEdited = true
		entry.EditedAt = time.Now().UTC().UnixMilli()
	}
	e.mu.Unlock()
	e.changed()

	if pendingCorr != "" {
		if e.cfg.Outbox != nil {
			raw, err := json.Marshal(protocol.SendMessage{
				Text:          newText,
				CorrelationID: pendingCorr,
				ParentID:      parentID,
			})
			if err == nil && e.cfg.Outbox.Amend(pendingCorr, raw) {
				logger.Debug("queued_create_amended", "correlation_id", pendingCorr)
			}
		}
		return
	}
	e.dispatchOp(protocol.EvEditMessage, utils.GenID(), protocol.EditMessage{
		MessageID: serverID,
		NewText:   newText,
	})
}

// Delete removes the local entry and dispatches the tombstone. Unknown
// ids are a no-op. Deleting an entry whose create is still queued
// supersedes the queued create instead of emitting.
func (e *Engine) Delete(id string) {
	e.mu.Lock()
	entry, ok := e.lookupLocked(id)
	if !ok {
		e.mu.Unlock()
		return
	}
	if entry.Author != e.cfg.Identity.ID {
		e.mu.Unlock()
		logger.Warn("delete_refused_not_author", "msg_id", id)
		return
	}
	serverID := entry.ID
	pendingCorr := ""
	if serverID == "" {
		pendingCorr = entry.CorrelationID
	}
	e.removeLocked(entry)
	e.mu.Unlock()
	e.changed()

	if pendingCorr != "" {
		if e.cfg.Outbox != nil {
			if err := e.cfg.Outbox.Ack(pendingCorr); err != nil {
				logger.Warn("outbox_supersede_failed", "correlation_id", pendingCorr, "error", err)
			}
		}
		return
	}
	e.dispatchOp(protocol.EvDeleteMessage, utils.GenID(), serverID)
}

// ToggleReaction flips this identity's vote on a symbol locally and
// dispatches the toggle. The server's reaction broadcast replaces the
// local map wholesale.
func (e *Engine) ToggleReaction(id, symbol string) {
	if symbol == "" {
		return
	}
	e.mu.Lock()
	entry, ok := e.lookupLocked(id)
	if !ok || entry.Deleted {
		e.mu.Unlock()
		return
	}
	entry.Message.ToggleReaction(symbol, e.cfg.Identity.ID)
	serverID := entry.ID
	e.mu.Unlock()
	e.changed()

	if serverID == "" {
		// the create has not been confirmed; its echo will replace
		// local state anyway
		return
	}
	e.dispatchOp(protocol.EvToggleReaction, utils.GenID(), protocol.ToggleReaction{
		MessageID: serverID,
		Reaction:  symbol,
	})
}

// Messages returns a snapshot of the local list in display order.
func (e *Engine) Messages() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.entries))
	for _, en := range e.entries {
		cp := *en
		cp.Reactions = en.CloneReactions()
		out = append(out, cp)
	}
	return out
}

// Online returns the last presence list broadcast by the relay.
func (e *Engine) Online() []models.OnlineUser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.OnlineUser(nil), e.online...)
}

// DrainOutbox replays queued operations through the session in enqueue
// order. Without a credential the drain aborts and the queue is kept.
func (e *Engine) DrainOutbox(ctx context.Context) {
	if e.cfg.Outbox == nil || e.cfg.Session == nil {
		return
	}
	if e.cfg.Session.cfg.Token == nil || e.cfg.Session.cfg.Token() == "" {
		logger.Warn("outbox_drain_no_credential")
		return
	}
	err := e.cfg.Outbox.Drain(ctx, func(entry OutboxEntry) error {
		switch entry.Event {
		case protocol.EvSendMessage, protocol.EvReplyToMessage:
			// creates stay queued until the broadcast echo acks them
		default:
			target := mutationTarget(entry)
			if target == "" {
				// nothing a broadcast could ever confirm; drop it
				// instead of redelivering forever
				logger.Warn("outbox_entry_unconfirmable", "correlation_id", entry.CorrelationID, "event", entry.Event)
				if err := e.cfg.Outbox.Ack(entry.CorrelationID); err != nil {
					logger.Warn("outbox_ack_failed", "correlation_id", entry.CorrelationID, "error", err)
				}
				return nil
			}
			// mutations stay queued until their broadcast confirms
			// them; Emit only hands the frame to the write pump
			e.mu.Lock()
			e.awaitAck[entry.Event+":"+target] = entry.CorrelationID
			e.mu.Unlock()
		}
		return e.cfg.Session.Emit(entry.Event, entry.Payload)
	})
	if err != nil {
		logger.Warn("outbox_drain_stopped", "error", err)
	}
}

// mutationTarget extracts the server message id a journaled mutation
// addresses, or "" when the payload does not parse.
func mutationTarget(entry OutboxEntry) string {
	switch entry.Event {
	case protocol.EvEditMessage:
		var p protocol.EditMessage
		if json.Unmarshal(entry.Payload, &p) == nil {
			return p.MessageID
		}
	case protocol.EvDeleteMessage:
		var id string
		if json.Unmarshal(entry.Payload, &id) == nil {
			return id
		}
	case protocol.EvToggleReaction:
		var p protocol.ToggleReaction
		if json.Unmarshal(entry.Payload, &p) == nil {
			return p.MessageID
		}
	}
	return ""
}

// ackMutation removes a drained mutation from the journal once a
// broadcast names its target.
func (e *Engine) ackMutation(event, msgID string) {
	if msgID == "" || e.cfg.Outbox == nil {
		return
	}
	key := event + ":" + msgID
	e.mu.Lock()
	corr, ok := e.awaitAck[key]
	if ok {
		delete(e.awaitAck, key)
	}
	e.mu.Unlock()
	if ok {
		if err := e.cfg.Outbox.Ack(corr); err != nil {
			logger.Warn("outbox_ack_failed", "correlation_id", corr, "error", err)
		}
	}
}

// RefreshHistory replaces confirmed local state with the newest page
// from the history endpoint, keeping unconfirmed pending entries at the
// tail.
func (e *Engine) RefreshHistory(ctx context.Context) {
	if e.cfg.HistoryURL == "" {
		return
	}
	url := fmt.Sprintf("%s?limit=%d", e.cfg.HistoryURL, e.cfg.HistoryLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Warn("history_request_failed", "error", err)
		return
	}
	if e.cfg.Session != nil && e.cfg.Session.cfg.Token != nil {
		if tok := e.cfg.Session.cfg.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	httpc := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpc.Do(req)
	if err != nil {
		logger.Warn("history_fetch_failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("history_fetch_rejected", "status", resp.StatusCode)
		return
	}
	var page struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		logger.Warn("history_decode_failed", "error", err)
		return
	}
	e.seed(page.Messages)
}

func (e *Engine) handleConnected() {
	e.DrainOutbox(context.Background())
	e.RefreshHistory(context.Background())
}

func (e *Engine) appendPending(corr, text, parentID string) {
	entry := &Entry{
		Message: models.Message{
			CorrelationID: corr,
			Author:        e.cfg.Identity.ID,
			Username:      e.cfg.Identity.Username,
			Text:          text,
			CreatedAt:     time.Now().UTC().UnixMilli(),
			ParentID:      parentID,
		},
		DeliveryState: DeliveryPending,
	}
	e.mu.Lock()
	e.entries = append(e.entries, entry)
	e.byCorr[corr] = entry
	e.mu.Unlock()
	e.changed()
}

// dispatchOp emits when connected, otherwise queues. An entry that can
// neither be emitted nor queued is marked failed.
func (e *Engine) dispatchOp(event, corr string, payload any) {
	if e.cfg.Session != nil && e.cfg.Session.Connected() {
		err := e.cfg.Session.Emit(event, payload)
		if err == nil {
			return
		}
		logger.Warn("emit_failed", "event", event, "error", err)
	}
	if e.cfg.Outbox == nil {
		e.markFailed(corr)
		logger.Warn("operation_dropped_offline", "event", event)
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("queue_marshal_failed", "event", event, "error", err)
		e.markFailed(corr)
		return
	}
	e.cfg.Outbox.Enqueue(OutboxEntry{CorrelationID: corr, Event: event, Payload: raw})
}

func (e *Engine) markFailed(corr string) {
	if corr == "" {
		return
	}
	e.mu.Lock()
	entry, ok := e.byCorr[corr]
	if ok {
		entry.DeliveryState = DeliveryFailed
	}
	e.mu.Unlock()
	if ok {
		e.changed()
	}
}

// applyCanonical folds a canonical message broadcast into the local
// list: correlation id match first, then server id; matches overwrite
// in place preserving position, anything else appends. A mutation for a
// message this client never saw is a reconciliation conflict and
// materializes as a fresh entry.
func (e *Engine) applyCanonical(kind string, raw json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn("reconcile_bad_payload", "kind", kind, "error", err)
		return
	}
	e.mu.Lock()
	entry := e.matchLocked(msg)
	if entry != nil {
		prevCorr := entry.CorrelationID
		if entry.ID != "" && entry.ID != msg.ID {
			delete(e.byID, entry.ID)
		}
		entry.Message = msg
		if entry.CorrelationID == "" {
			// retain the correlation id so a delayed duplicate echo
			// still matches this entry instead of appending
			entry.CorrelationID = prevCorr
		}
		entry.DeliveryState = DeliverySent
	} else {
		if kind == "edit" {
			conflict := &protocol.ReconciliationConflict{CorrelationID: msg.ID}
			logger.Warn("reconcile_conflict", "kind", kind, "detail", conflict.Error())
		}
		entry = &Entry{Message: msg, DeliveryState: DeliverySent}
		e.entries = append(e.entries, entry)
	}
	if msg.ID != "" {
		e.byID[msg.ID] = entry
	}
	if entry.CorrelationID != "" {
		e.byCorr[entry.CorrelationID] = entry
	}
	corr := entry.CorrelationID
	e.mu.Unlock()
	e.changed()
	if corr != "" && e.cfg.Outbox != nil {
		_ = e.cfg.Outbox.Ack(corr)
	}
	if kind == "edit" {
		e.ackMutation(protocol.EvEditMessage, msg.ID)
	}
}

// onDelete removes the entry for a tombstoned id; an unknown id is a
// no-op since there is nothing visible to remove.
func (e *Engine) onDelete(raw json.RawMessage) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		logger.Warn("reconcile_bad_payload", "kind", "delete", "error", err)
		return
	}
	e.ackMutation(protocol.EvDeleteMessage, id)
	e.mu.Lock()
	entry, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.removeLocked(entry)
	e.mu.Unlock()
	e.changed()
}

// onReaction replaces the target's reaction map with the canonical
// state, never merging.
func (e *Engine) onReaction(raw json.RawMessage) {
	var st protocol.ReactionState
	if err := json.Unmarshal(raw, &st); err != nil || st.ID == "" {
		logger.Warn("reconcile_bad_payload", "kind", "reaction", "error", err)
		return
	}
	e.ackMutation(protocol.EvToggleReaction, st.ID)
	e.mu.Lock()
	entry, ok := e.byID[st.ID]
	if ok {
		entry.Reactions = st.Reactions
	} else {
		conflict := &protocol.ReconciliationConflict{CorrelationID: st.ID}
		logger.Warn("reconcile_conflict", "kind", "reaction", "detail", conflict.Error())
		entry = &Entry{
			Message:       models.Message{ID: st.ID, Reactions: st.Reactions},
			DeliveryState: DeliverySent,
		}
		e.entries = append(e.entries, entry)
		e.byID[st.ID] = entry
	}
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) onOnline(raw json.RawMessage) {
	var users []models.OnlineUser
	if err := json.Unmarshal(raw, &users); err != nil {
		logger.Warn("reconcile_bad_payload", "kind", "presence", "error", err)
		return
	}
	e.mu.Lock()
	e.online = users
	e.mu.Unlock()
	e.changed()
}

// seed rebuilds the list from an authoritative history page. Pending
// entries survive at the tail unless the page proves they landed.
func (e *Engine) seed(msgs []models.Message) {
	e.mu.Lock()
	fresh := make([]*Entry, 0, len(msgs)+4)
	byID := map[string]*Entry{}
	byCorr := map[string]*Entry{}
	for _, m := range msgs {
		en := &Entry{Message: m, DeliveryState: DeliverySent}
		fresh = append(fresh, en)
		if m.ID != "" {
			byID[m.ID] = en
		}
		if m.CorrelationID != "" {
			byCorr[m.CorrelationID] = en
		}
	}
	var landed []string
	for _, old := range e.entries {
		if old.DeliveryState != DeliveryPending {
			continue
		}
		if _, ok := byCorr[old.CorrelationID]; ok {
			landed = append(landed, old.CorrelationID)
			continue
		}
		fresh = append(fresh, old)
		if old.CorrelationID != "" {
			byCorr[old.CorrelationID] = old
		}
	}
	e.entries, e.byID, e.byCorr = fresh, byID, byCorr
	e.mu.Unlock()
	e.changed()
	if e.cfg.Outbox != nil {
		for _, corr := range landed {
			_ = e.cfg.Outbox.Ack(corr)
		}
	}
}

func (e *Engine) changed() {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange()
	}
}

// lookupLocked resolves a user-supplied identifier: server id first,
// then correlation id, since a pending entry is only addressable by the
// latter.
func (e *Engine) lookupLocked(id string) (*Entry, bool) {
	if en, ok := e.byID[id]; ok {
		return en, true
	}
	if en, ok := e.byCorr[id]; ok {
		return en, true
	}
	return nil, false
}

func (e *Engine) matchLocked(msg models.Message) *Entry {
	if msg.CorrelationID != "" {
		if en, ok := e.byCorr[msg.CorrelationID]; ok {
			return en
		}
	}
	if msg.ID != "" {
		if en, ok := e.byID[msg.ID]; ok {
			return en
		}
	}
	return nil
}

func (e *Engine) removeLocked(entry *Entry) {
	for i, en := range e.entries {
		if en == entry {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			break
		}
	}
	if entry.ID != "" {
		delete(e.byID, entry.ID)
	}
	if entry.CorrelationID != "" {
		delete(e.byCorr, entry.CorrelationID)
	}
}
