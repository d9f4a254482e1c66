// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/storage"
	"github.com/jeranaias/calma/internal/title"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FAKES
// =============================================================================

// fakeChat hands out one pipe per request so tests control each stream.
type fakeChat struct {
	mu       sync.Mutex
	requests [][]conversation.APIMessage
	writers  []*io.PipeWriter
	byText   map[string]*io.PipeWriter
	openErr  error
	opened   chan struct{}
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		byText: make(map[string]*io.PipeWriter),
		opened: make(chan struct{}, 16),
	}
}

func (f *fakeChat) OpenChat(ctx context.Context, msgs []conversation.APIMessage) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, msgs)
	if f.openErr != nil {
		return nil, f.openErr
	}
	pr, pw := io.Pipe()
	f.writers = append(f.writers, pw)
	if len(msgs) > 0 {
		f.byText[msgs[len(msgs)-1].Content] = pw
	}
	f.opened <- struct{}{}
	return pr, nil
}

// stream waits for the n-th request and returns its writer.
func (f *fakeChat) stream(t *testing.T, n int) *io.PipeWriter {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.writers) > n {
			w := f.writers[n]
			f.mu.Unlock()
			return w
		}
		f.mu.Unlock()
		select {
		case <-f.opened:
		case <-deadline:
			t.Fatalf("stream %d was never opened", n)
		}
	}
}

// streamFor waits for the request whose last message is text and returns
// its writer. Use it when several streams open concurrently.
func (f *fakeChat) streamFor(t *testing.T, text string) *io.PipeWriter {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		w, ok := f.byText[text]
		f.mu.Unlock()
		if ok {
			return w
		}
		select {
		case <-f.opened:
		case <-deadline:
			t.Fatalf("no stream opened for %q", text)
		}
	}
}

// replyWith completes every request with text.
type replyWith string

func (r replyWith) OpenChat(ctx context.Context, msgs []conversation.APIMessage) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(r))), nil
}

type failingTitles struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTitles) GenerateTitle(ctx context.Context, msgs []conversation.APIMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return "", errors.New("title endpoint unavailable")
}

func (f *failingTitles) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestController(t *testing.T, chat ChatClient) (*Controller, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	repo := conversation.NewRepository(store, nil)
	return NewController(repo, chat, nil, nil), store
}

func finalizedCount(c conversation.Conversation) int {
	n := 0
	for _, m := range c.Messages {
		if !m.IsTyping {
			n++
		}
	}
	return n
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestSend_LazilyCreatesConversation(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)
	repo := ctrl.Repository()

	if st, _ := ctrl.State(); st != NoActiveConversation {
		t.Fatalf("initial state = %v, want NoActiveConversation", st)
	}

	ex, err := ctrl.Send(context.Background(), "Hola")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Before the stream resolves.
	if repo.Len() != 1 {
		t.Fatalf("conversations = %d, want 1", repo.Len())
	}
	active, ok := repo.Active()
	if !ok || active.ID != ex.ConversationID() {
		t.Fatalf("new conversation is not active")
	}
	if len(active.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(active.Messages))
	}
	if active.Messages[0] != conversation.UserMessage("Hola") {
		t.Errorf("first message = %+v", active.Messages[0])
	}
	if !active.Messages[1].IsTyping || active.Messages[1].Sender != conversation.SenderBot {
		t.Errorf("second message should be a bot placeholder, got %+v", active.Messages[1])
	}
	if active.Title != conversation.DefaultTitle {
		t.Errorf("title = %q, want %q", active.Title, conversation.DefaultTitle)
	}
	if st, id := ctrl.State(); st != Sending || id != active.ID {
		t.Errorf("state = %v(%s), want Sending(%s)", st, id, active.ID)
	}

	w := chat.stream(t, 0)
	io.WriteString(w, "Hola, ")
	io.WriteString(w, "te escucho.")
	w.Close()

	if err := ex.Wait(); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	got, _ := repo.Get(ex.ConversationID())
	want := []conversation.Message{
		conversation.UserMessage("Hola"),
		conversation.BotMessage("Hola, te escucho."),
	}
	if len(got.Messages) != 2 || got.Messages[0] != want[0] || got.Messages[1] != want[1] {
		t.Errorf("messages = %+v, want %+v", got.Messages, want)
	}
	if st, _ := ctrl.State(); st != Viewing {
		t.Errorf("state after completion = %v, want Viewing", st)
	}
	if ex.Text() != "Hola, te escucho." {
		t.Errorf("Text() = %q", ex.Text())
	}
}

func TestSend_StreamsPartialText(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	ex, _ := ctrl.Send(context.Background(), "Hola")
	w := chat.stream(t, 0)
	io.WriteString(w, "Respira")

	// Placeholder carries partial text while streaming.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c, _ := ctrl.Repository().Get(ex.ConversationID())
		last, _ := c.LastMessage()
		if last.Text == "Respira" {
			if !last.IsTyping {
				t.Error("partial reply should still be typing")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("partial text never appeared, last = %+v", last)
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Close()
	ex.Wait()
}

func TestSend_MessageCountParity(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	for i := 0; i < 3; i++ {
		ex, err := ctrl.Send(context.Background(), "mensaje")
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		c, _ := ctrl.Repository().Get(ex.ConversationID())
		if finalizedCount(c)%2 != 1 {
			t.Errorf("exchange %d: finalized messages while streaming = %d, want odd", i, finalizedCount(c))
		}

		w := chat.stream(t, i)
		io.WriteString(w, "respuesta")
		w.Close()
		ex.Wait()

		c, _ = ctrl.Repository().Get(ex.ConversationID())
		if len(c.Messages)%2 != 0 || c.IsStreaming() {
			t.Errorf("exchange %d: messages after completion = %d, want even with no placeholder", i, len(c.Messages))
		}
	}
}

func TestSend_SendsHistoryWithoutPlaceholder(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	ex, _ := ctrl.Send(context.Background(), "uno")
	w := chat.stream(t, 0)
	io.WriteString(w, "dos")
	w.Close()
	ex.Wait()

	ex, _ = ctrl.Send(context.Background(), "tres")
	w = chat.stream(t, 1)
	w.Close()
	ex.Wait()

	chat.mu.Lock()
	got := chat.requests[1]
	chat.mu.Unlock()

	want := []conversation.APIMessage{
		{Role: "user", Content: "uno"},
		{Role: "assistant", Content: "dos"},
		{Role: "user", Content: "tres"},
	}
	if len(got) != len(want) {
		t.Fatalf("history = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSend_EmptyMessage(t *testing.T) {
	ctrl, _ := newTestController(t, newFakeChat())

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := ctrl.Send(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if ctrl.Repository().Len() != 0 {
		t.Error("blank sends must not create conversations")
	}
}

func TestSend_BusyConversation(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	ex, _ := ctrl.Send(context.Background(), "uno")
	if _, err := ctrl.Send(context.Background(), "dos"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Send error = %v, want ErrBusy", err)
	}

	w := chat.stream(t, 0)
	w.Close()
	ex.Wait()

	if _, err := ctrl.Send(context.Background(), "dos"); err != nil {
		t.Errorf("Send after completion: %v", err)
	}
	chat.stream(t, 1).Close()
	ctrl.Wait()
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestSend_TransportFailsMidStream(t *testing.T) {
	chat := newFakeChat()
	ctrl, store := newTestController(t, chat)

	ex, _ := ctrl.Send(context.Background(), "Hola")
	w := chat.stream(t, 0)
	io.WriteString(w, "Te escu")
	w.CloseWithError(errors.New("connection reset"))

	if err := ex.Wait(); err == nil {
		t.Fatal("exchange should report the stream failure")
	}

	c, _ := ctrl.Repository().Get(ex.ConversationID())
	last, _ := c.LastMessage()
	if last != conversation.BotMessage(conversation.ErrorText) {
		t.Errorf("last message = %+v, want error text", last)
	}

	// Persisted with the error text as the bot turn.
	reloaded := conversation.NewRepository(store, nil)
	rc, ok := reloaded.Get(ex.ConversationID())
	if !ok {
		t.Fatal("conversation was not persisted")
	}
	if len(rc.Messages) != 2 || rc.Messages[1].Text != conversation.ErrorText {
		t.Errorf("persisted messages = %+v", rc.Messages)
	}
}

func TestSend_OpenFails(t *testing.T) {
	chat := newFakeChat()
	chat.openErr = errors.New("dial tcp: connection refused")
	ctrl, _ := newTestController(t, chat)

	ex, err := ctrl.Send(context.Background(), "Hola")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ex.Wait()

	c, _ := ctrl.Repository().Get(ex.ConversationID())
	last, _ := c.LastMessage()
	if last.Text != conversation.ErrorText || last.IsTyping {
		t.Errorf("last message = %+v, want finalized error text", last)
	}
	if st, _ := ctrl.State(); st != Viewing {
		t.Errorf("state = %v, want Viewing", st)
	}
}

func TestSend_DeletedWhileStreaming(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	ex, _ := ctrl.Send(context.Background(), "Hola")
	if err := ctrl.Delete(ex.ConversationID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	w := chat.stream(t, 0)
	io.WriteString(w, "respuesta tardía")
	w.Close()
	ex.Wait()

	if ctrl.Repository().Len() != 0 {
		t.Error("a finished stream must not resurrect a deleted conversation")
	}
}

func TestSend_SwitchingConversationKeepsCapturedID(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	first, _ := ctrl.Send(context.Background(), "primera")
	ctrl.StartNew()
	second, _ := ctrl.Send(context.Background(), "segunda")

	if first.ConversationID() == second.ConversationID() {
		t.Fatal("second send should create a new conversation")
	}

	// Finish in reverse order. The two streams open concurrently, so look
	// them up by the message that started them.
	w2 := chat.streamFor(t, "segunda")
	io.WriteString(w2, "respuesta B")
	w2.Close()
	second.Wait()

	w1 := chat.streamFor(t, "primera")
	io.WriteString(w1, "respuesta A")
	w1.Close()
	first.Wait()

	a, _ := ctrl.Repository().Get(first.ConversationID())
	b, _ := ctrl.Repository().Get(second.ConversationID())
	if a.Messages[1].Text != "respuesta A" {
		t.Errorf("first conversation reply = %q", a.Messages[1].Text)
	}
	if b.Messages[1].Text != "respuesta B" {
		t.Errorf("second conversation reply = %q", b.Messages[1].Text)
	}
	if ctrl.Repository().ActiveID() != second.ConversationID() {
		t.Error("finishing a background stream must not change the active conversation")
	}
}

func TestSend_CancelledContext(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	ctx, cancel := context.WithCancel(context.Background())
	ex, _ := ctrl.Send(ctx, "Hola")
	w := chat.stream(t, 0)
	cancel()
	// Unblock the pending read; the reducer reports the cancellation.
	w.CloseWithError(context.Canceled)

	if err := ex.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("exchange error = %v, want context.Canceled", err)
	}
	c, _ := ctrl.Repository().Get(ex.ConversationID())
	if last, _ := c.LastMessage(); last.Text != conversation.ErrorText {
		t.Errorf("last message = %+v, want error text", last)
	}
}

// =============================================================================
// STATE MACHINE TESTS
// =============================================================================

func TestDelete_ActiveClearsPointer(t *testing.T) {
	ctrl, _ := newTestController(t, replyWith("ok"))
	repo := ctrl.Repository()

	ex, _ := ctrl.Send(context.Background(), "uno")
	ex.Wait()
	a := ex.ConversationID()
	ctrl.StartNew()
	ex, _ = ctrl.Send(context.Background(), "dos")
	ex.Wait()
	b := ex.ConversationID()

	// b is active; deleting a leaves it.
	if err := ctrl.Delete(a); err != nil {
		t.Fatal(err)
	}
	if st, id := ctrl.State(); st != Viewing || id != b {
		t.Errorf("after deleting non-active: state = %v(%s), want Viewing(%s)", st, id, b)
	}

	if err := ctrl.Delete(b); err != nil {
		t.Fatal(err)
	}
	if st, _ := ctrl.State(); st != NoActiveConversation {
		t.Errorf("after deleting active: state = %v, want NoActiveConversation", st)
	}
	if repo.ActiveID() != "" {
		t.Errorf("active id = %q, want unset", repo.ActiveID())
	}

	// Deleting an unknown id is a no-op.
	if err := ctrl.Delete("missing"); err != nil {
		t.Errorf("Delete(unknown) = %v, want nil", err)
	}
}

func TestSelect(t *testing.T) {
	ctrl, _ := newTestController(t, replyWith("ok"))

	ex, _ := ctrl.Send(context.Background(), "uno")
	ex.Wait()
	id := ex.ConversationID()

	ctrl.StartNew()
	ctrl.StartNew() // idempotent
	if st, _ := ctrl.State(); st != NoActiveConversation {
		t.Fatalf("state = %v, want NoActiveConversation", st)
	}

	if err := ctrl.Select(id); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if st, got := ctrl.State(); st != Viewing || got != id {
		t.Errorf("state = %v(%s), want Viewing(%s)", st, got, id)
	}

	if err := ctrl.Select("missing"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Select(unknown) = %v, want ErrNotFound", err)
	}
	if _, got := ctrl.State(); got != id {
		t.Error("unknown id must leave the state unchanged")
	}
}

func TestSend_AppendsToSelectedConversation(t *testing.T) {
	ctrl, _ := newTestController(t, replyWith("ok"))

	ex, _ := ctrl.Send(context.Background(), "uno")
	ex.Wait()
	ex2, _ := ctrl.Send(context.Background(), "dos")
	ex2.Wait()

	if ex.ConversationID() != ex2.ConversationID() {
		t.Error("second send should reuse the active conversation")
	}
	if ctrl.Repository().Len() != 1 {
		t.Errorf("conversations = %d, want 1", ctrl.Repository().Len())
	}
}

// =============================================================================
// INPUT TESTS
// =============================================================================

func TestSubmit_ClearsInputImmediately(t *testing.T) {
	chat := newFakeChat()
	ctrl, _ := newTestController(t, chat)

	ctrl.SetInput("Hola")
	ex, err := ctrl.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ctrl.Input() != "" {
		t.Errorf("input = %q, want cleared while streaming", ctrl.Input())
	}

	// The next message can be drafted while the reply streams.
	ctrl.SetInput("siguiente")
	chat.stream(t, 0).Close()
	ex.Wait()
	if ctrl.Input() != "siguiente" {
		t.Errorf("draft = %q, want preserved", ctrl.Input())
	}
}

func TestSubmit_BlankKeepsDraft(t *testing.T) {
	ctrl, _ := newTestController(t, newFakeChat())

	ctrl.SetInput("   ")
	if _, err := ctrl.Submit(context.Background()); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Submit error = %v, want ErrEmptyMessage", err)
	}
	if ctrl.Input() != "   " {
		t.Errorf("input = %q, want untouched", ctrl.Input())
	}
}

// =============================================================================
// TITLE TESTS
// =============================================================================

func TestTitle_RetryOnceFiresExactlyOnce(t *testing.T) {
	gen := &failingTitles{}
	store := storage.NewMemoryStore()
	repo := conversation.NewRepository(store, nil)
	trig := title.NewTrigger(context.Background(), gen, repo, title.RetryOnce, nil)
	ctrl := NewController(repo, replyWith("ok"), trig, nil)

	for i := 1; i <= 5; i++ {
		ex, err := ctrl.Send(context.Background(), "mensaje")
		if err != nil {
			t.Fatal(err)
		}
		ex.Wait()
		trig.Wait()

		want := 0
		if i >= 3 {
			want = 1
		}
		if gen.Calls() != want {
			t.Errorf("after exchange %d (%d messages): title calls = %d, want %d", i, 2*i, gen.Calls(), want)
		}
	}

	c, _ := repo.Active()
	if c.TitleGenerated || c.Title != conversation.DefaultTitle {
		t.Errorf("failed inference must leave the title untouched, got %q generated=%v", c.Title, c.TitleGenerated)
	}
}

func TestTitle_EveryMessageRetries(t *testing.T) {
	gen := &failingTitles{}
	repo := conversation.NewRepository(storage.NewMemoryStore(), nil)
	trig := title.NewTrigger(context.Background(), gen, repo, title.RetryEveryMessage, nil)
	ctrl := NewController(repo, replyWith("ok"), trig, nil)

	for i := 0; i < 4; i++ {
		ex, _ := ctrl.Send(context.Background(), "mensaje")
		ex.Wait()
		trig.Wait()
	}
	if gen.Calls() != 2 {
		t.Errorf("title calls = %d, want 2 (at 6 and 8 messages)", gen.Calls())
	}
}

type fixedTitle string

func (f fixedTitle) GenerateTitle(ctx context.Context, msgs []conversation.APIMessage) (string, error) {
	return string(f), nil
}

func TestTitle_AppliedAfterThreshold(t *testing.T) {
	repo := conversation.NewRepository(storage.NewMemoryStore(), nil)
	trig := title.NewTrigger(context.Background(), fixedTitle(`"Insomnio"`), repo, title.RetryEveryMessage, nil)
	ctrl := NewController(repo, replyWith("ok"), trig, nil)

	for i := 0; i < 3; i++ {
		ex, _ := ctrl.Send(context.Background(), "mensaje")
		ex.Wait()
	}
	trig.Wait()

	c, _ := repo.Active()
	if c.Title != "Insomnio" || !c.TitleGenerated {
		t.Errorf("title = %q generated=%v, want Insomnio/true", c.Title, c.TitleGenerated)
	}
}

// =============================================================================
// OBSERVER TESTS
// =============================================================================

func TestOnUpdate(t *testing.T) {
	ctrl, _ := newTestController(t, replyWith("ok"))

	var mu sync.Mutex
	seen := map[string]int{}
	ctrl.OnUpdate(func(id string) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
	})

	ex, _ := ctrl.Send(context.Background(), "Hola")
	ex.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen[ex.ConversationID()] < 2 {
		t.Errorf("updates for conversation = %d, want at least 2", seen[ex.ConversationID()])
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		NoActiveConversation: "NoActiveConversation",
		Viewing:              "Viewing",
		Sending:              "Sending",
		State(42):            "Unknown",
	}
	for st, want := range tests {
		if st.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), st.String(), want)
		}
	}
}
