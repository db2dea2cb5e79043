package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/config"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

// newOfflineEngine builds an engine whose session never connects, so
// operations take the outbox path.
func newOfflineEngine(t *testing.T, withOutbox bool) *Engine {
	t.Helper()
	var o *Outbox
	if withOutbox {
		o, _ = openTestOutbox(t)
	}
	sess := NewSession(SessionConfig{URL: "ws://127.0.0.1:1/ws", Token: func() string { return "tok" }})
	return NewEngine(EngineConfig{
		Identity: models.Identity{ID: "u1", Username: "ann"},
		Session:  sess,
		Outbox:   o,
	})
}

func canonical(t *testing.T, m models.Message) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestSendEmptyTextIsNoOp(t *testing.T) {
	e := newOfflineEngine(t, true)
	if corr := e.Send("", ""); corr != "" {
		t.Fatalf("empty send returned %q", corr)
	}
	if corr := e.Send("   ", ""); corr != "" {
		t.Fatalf("whitespace send returned %q", corr)
	}
	if len(e.Messages()) != 0 {
		t.Fatalf("empty send created entries: %+v", e.Messages())
	}
	if e.cfg.Outbox.Pending() != 0 {
		t.Fatalf("empty send queued an operation")
	}
}

func TestSendOfflineQueuesPendingEntry(t *testing.T) {
	e := newOfflineEngine(t, true)
	corr := e.Send("queued", "")
	if corr == "" {
		t.Fatalf("send returned no correlation id")
	}
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].DeliveryState != DeliveryPending || msgs[0].Text != "queued" {
		t.Fatalf("unexpected local state: %+v", msgs)
	}
	if msgs[0].ID != "" {
		t.Fatalf("pending entry must not carry a server id")
	}
	if !e.cfg.Outbox.Has(corr) {
		t.Fatalf("create not journaled")
	}
}

func TestSendWithoutOutboxMarksFailed(t *testing.T) {
	e := newOfflineEngine(t, false)
	corr := e.Send("lost", "")
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].DeliveryState != DeliveryFailed {
		t.Fatalf("expected failed entry, got %+v", msgs)
	}
	if msgs[0].CorrelationID != corr {
		t.Fatalf("correlation id mismatch")
	}
}

func TestEchoReconcilesPendingExactlyOnce(t *testing.T) {
	e := newOfflineEngine(t, true)
	corr := e.Send("hello", "")

	echo := canonical(t, models.Message{
		ID:            "m1",
		CorrelationID: corr,
		Author:        "u1",
		Username:      "ann",
		Text:          "hello",
		CreatedAt:     12345,
	})
	e.applyCanonical("create", echo)
	e.applyCanonical("create", echo) // duplicate echo

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("duplicate echo created %d entries", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].DeliveryState != DeliverySent || msgs[0].CreatedAt != 12345 {
		t.Fatalf("entry not confirmed in place: %+v", msgs[0])
	}
	if msgs[0].CorrelationID != corr {
		t.Fatalf("correlation id must be retained for dedupe")
	}
	if e.cfg.Outbox.Pending() != 0 {
		t.Fatalf("echo must ack the journal, pending=%d", e.cfg.Outbox.Pending())
	}
}

func TestForeignCreateAppends(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.applyCanonical("create", canonical(t, models.Message{
		ID: "m9", CorrelationID: "someone-elses", Author: "u2", Username: "bob", Text: "hi", CreatedAt: 1,
	}))
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m9" || msgs[0].DeliveryState != DeliverySent {
		t.Fatalf("foreign create not appended: %+v", msgs)
	}
}

func TestEditUnknownLocalIDIsNoOp(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.Edit("ghost", "new text")
	if len(e.Messages()) != 0 {
		t.Fatalf("edit of unknown id created state")
	}
	if e.cfg.Outbox.Pending() != 0 {
		t.Fatalf("edit of unknown id queued an operation")
	}
}

func TestEditPendingAmendsQueuedCreate(t *testing.T) {
	e := newOfflineEngine(t, true)
	corr := e.Send("draft", "")
	e.Edit(corr, "final")

	msgs := e.Messages()
	if msgs[0].Text != "final" {
		t.Fatalf("local text not updated: %+v", msgs[0])
	}
	if msgs[0].IsEdited {
		t.Fatalf("amending an unsent create must not flag an edit")
	}
	entries, _ := e.cfg.Outbox.Entries()
	if len(entries) != 1 {
		t.Fatalf("amend must not enqueue a second operation: %d", len(entries))
	}
	if !strings.Contains(string(entries[0].Payload), `"final"`) {
		t.Fatalf("queued payload not amended: %s", entries[0].Payload)
	}
}

func TestEditForeignMessageRefusedLocally(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.applyCanonical("create", canonical(t, models.Message{ID: "m2", Author: "u2", Text: "theirs"}))
	e.Edit("m2", "mine now")
	if e.Messages()[0].Text != "theirs" {
		t.Fatalf("foreign edit applied locally")
	}
	if e.cfg.Outbox.Pending() != 0 {
		t.Fatalf("foreign edit queued an operation")
	}
}

func TestDeletePendingSupersedesQueuedCreate(t *testing.T) {
	e := newOfflineEngine(t, true)
	corr := e.Send("never sent", "")
	if e.cfg.Outbox.Pending() != 1 {
		t.Fatalf("precondition: create not queued")
	}
	e.Delete(corr)
	if len(e.Messages()) != 0 {
		t.Fatalf("delete left the entry visible")
	}
	if e.cfg.Outbox.Pending() != 0 {
		t.Fatalf("superseded create still queued")
	}
	// idempotent
	e.Delete(corr)
}

func TestDeleteEchoRemovesAndUnknownIsNoOp(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.applyCanonical("create", canonical(t, models.Message{ID: "m1", Author: "u2", Text: "x"}))

	e.onDelete(json.RawMessage(`"m1"`))
	if len(e.Messages()) != 0 {
		t.Fatalf("delete echo did not remove entry")
	}
	e.onDelete(json.RawMessage(`"m1"`)) // nothing visible to remove
	e.onDelete(json.RawMessage(`"never-seen"`))
	if len(e.Messages()) != 0 {
		t.Fatalf("unknown delete materialized state")
	}
}

func TestToggleReactionTwiceRestoresState(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.applyCanonical("create", canonical(t, models.Message{ID: "m1", Author: "u2", Text: "x"}))

	e.ToggleReaction("m1", "👍")
	if !e.Messages()[0].HasReaction("👍", "u1") {
		t.Fatalf("toggle did not apply locally")
	}
	e.ToggleReaction("m1", "👍")
	if len(e.Messages()[0].Reactions) != 0 {
		t.Fatalf("double toggle did not restore: %+v", e.Messages()[0].Reactions)
	}
}

func TestReactionBroadcastReplacesWholesale(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.applyCanonical("create", canonical(t, models.Message{ID: "m1", Author: "u2", Text: "x"}))
	e.ToggleReaction("m1", "👍")

	state, _ := json.Marshal(map[string]any{"id": "m1", "reactions": map[string][]string{"🎉": {"u9"}}})
	e.onReaction(state)

	r := e.Messages()[0].Reactions
	if len(r) != 1 || len(r["🎉"]) != 1 || r["🎉"][0] != "u9" {
		t.Fatalf("reaction map merged instead of replaced: %+v", r)
	}
}

func TestReactionForUnknownMessageMaterializes(t *testing.T) {
	e := newOfflineEngine(t, true)
	state, _ := json.Marshal(map[string]any{"id": "mX", "reactions": map[string][]string{"👍": {"u2"}}})
	e.onReaction(state)
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "mX" {
		t.Fatalf("conflict policy should materialize the target: %+v", msgs)
	}
}

func TestEditForUnknownMessageMaterializes(t *testing.T) {
	e := newOfflineEngine(t, true)
	e.applyCanonical("edit", canonical(t, models.Message{ID: "mY", Author: "u2", Text: "edited elsewhere", IsEdited: true}))
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "mY" || !msgs[0].IsEdited {
		t.Fatalf("conflict policy should materialize the edit: %+v", msgs)
	}
}

func TestOnlineUsersReplaceSnapshot(t *testing.T) {
	e := newOfflineEngine(t, true)
	raw, _ := json.Marshal([]models.OnlineUser{{ID: "u1", Username: "ann"}, {ID: "u2", Username: "bob"}})
	e.onOnline(raw)
	online := e.Online()
	if len(online) != 2 || online[0].Username != "ann" {
		t.Fatalf("presence snapshot wrong: %+v", online)
	}
}

func TestReplyFiresComposingCallback(t *testing.T) {
	var cleared bool
	o, _ := openTestOutbox(t)
	sess := NewSession(SessionConfig{URL: "ws://127.0.0.1:1/ws", Token: func() string { return "tok" }})
	e := NewEngine(EngineConfig{
		Identity:    models.Identity{ID: "u1", Username: "ann"},
		Session:     sess,
		Outbox:      o,
		OnReplySent: func() { cleared = true },
	})
	corr := e.Reply("parent-1", "threaded")
	if corr == "" || !cleared {
		t.Fatalf("reply did not dispatch (corr=%q cleared=%v)", corr, cleared)
	}
	if e.Messages()[0].ParentID != "parent-1" {
		t.Fatalf("parent id lost: %+v", e.Messages()[0])
	}
}

func TestDrainAbortsWithoutCredential(t *testing.T) {
	o, _ := openTestOutbox(t)
	sess := NewSession(SessionConfig{URL: "ws://127.0.0.1:1/ws", Token: func() string { return "" }})
	e := NewEngine(EngineConfig{Identity: models.Identity{ID: "u1"}, Session: sess, Outbox: o})
	e.Send("stuck", "")
	e.DrainOutbox(context.Background())
	if o.Pending() != 1 {
		t.Fatalf("drain without credential must keep the queue, pending=%d", o.Pending())
	}
}

// --- integration against the real relay ---

const relayTestSecret = "client-test-secret"

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	if err := store.Open(filepath.Join(t.TempDir(), "store")); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	config.SetRuntime(&config.RuntimeConfig{JWTSecret: relayTestSecret})

	gw := gateway.New(cfg)
	gw.Start()
	t.Cleanup(gw.Shutdown)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func relayClient(t *testing.T, srv *httptest.Server, id models.Identity) (*Session, *Engine) {
	t.Helper()
	tok, err := auth.MintToken(id, relayTestSecret, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	o, _ := openTestOutbox(t)
	sess := NewSession(SessionConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token:       func() string { return tok },
		BackoffBase: 10 * time.Millisecond,
	})
	eng := NewEngine(EngineConfig{Identity: id, Session: sess, Outbox: o})
	return sess, eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveSendConfirmsByEcho(t *testing.T) {
	srv := startRelay(t)
	sess, eng := relayClient(t, srv, models.Identity{ID: "u1", Username: "ann"})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Disconnect()

	corr := eng.Send("hello live", "")
	waitFor(t, "echo confirmation", func() bool {
		msgs := eng.Messages()
		return len(msgs) == 1 && msgs[0].DeliveryState == DeliverySent && msgs[0].ID != ""
	})
	got := eng.Messages()[0]
	if got.CorrelationID != corr || got.Text != "hello live" {
		t.Fatalf("confirmed entry mismatch: %+v", got)
	}
}

func TestOfflineSendDrainsOnConnect(t *testing.T) {
	srv := startRelay(t)
	sess, eng := relayClient(t, srv, models.Identity{ID: "u1", Username: "ann"})

	corr := eng.Send("queued while offline", "")
	if corr == "" {
		t.Fatalf("send returned no correlation id")
	}
	if eng.cfg.Outbox.Pending() != 1 {
		t.Fatalf("create not journaled")
	}

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Disconnect()

	waitFor(t, "outbox drain and echo", func() bool {
		msgs := eng.Messages()
		return len(msgs) == 1 &&
			msgs[0].DeliveryState == DeliverySent &&
			msgs[0].ID != "" &&
			eng.cfg.Outbox.Pending() == 0
	})
	if eng.Messages()[0].CorrelationID != corr {
		t.Fatalf("drained entry lost its correlation id")
	}

	// later mutations target the confirmed id
	id := eng.Messages()[0].ID
	eng.Edit(id, "amended after landing")
	waitFor(t, "edit echo", func() bool {
		msgs := eng.Messages()
		return len(msgs) == 1 && msgs[0].IsEdited && msgs[0].Text == "amended after landing"
	})
}

func TestOfflineMutationConfirmedByBroadcast(t *testing.T) {
	srv := startRelay(t)
	sess, eng := relayClient(t, srv, models.Identity{ID: "u1", Username: "ann"})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	eng.Send("original", "")
	waitFor(t, "create echo", func() bool {
		msgs := eng.Messages()
		return len(msgs) == 1 && msgs[0].ID != ""
	})
	id := eng.Messages()[0].ID

	// mutate while disconnected; the journal holds the edit
	sess.Disconnect()
	eng.Edit(id, "edited offline")
	if eng.cfg.Outbox.Pending() != 1 {
		t.Fatalf("edit not journaled, pending=%d", eng.cfg.Outbox.Pending())
	}

	// on reconnect the entry must stay journaled until the edit
	// broadcast comes back, and only then be acked
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer sess.Disconnect()
	waitFor(t, "edit broadcast ack", func() bool {
		msgs := eng.Messages()
		return len(msgs) == 1 && msgs[0].IsEdited &&
			msgs[0].Text == "edited offline" &&
			eng.cfg.Outbox.Pending() == 0
	})
}

func TestTwoEnginesObserveEachOther(t *testing.T) {
	srv := startRelay(t)
	sessA, engA := relayClient(t, srv, models.Identity{ID: "u1", Username: "ann"})
	sessB, engB := relayClient(t, srv, models.Identity{ID: "u2", Username: "bob"})

	if err := sessA.Connect(context.Background()); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer sessA.Disconnect()
	if err := sessB.Connect(context.Background()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer sessB.Disconnect()

	engA.Send("cross-client", "")
	waitFor(t, "broadcast reaching b", func() bool {
		msgs := engB.Messages()
		return len(msgs) == 1 && msgs[0].Text == "cross-client" && msgs[0].Username == "ann"
	})
	waitFor(t, "presence reaching both", func() bool {
		return len(engA.Online()) == 2 && len(engB.Online()) == 2
	})
}
