// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"go.uber.org/goleak"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/session"
	"github.com/jeranaias/calma/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

// replyWith answers every request with the same text.
type replyWith string

func (r replyWith) OpenChat(ctx context.Context, msgs []conversation.APIMessage) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(r))), nil
}

// blockingChat never finishes a reply until release is closed.
type blockingChat struct {
	release chan struct{}
}

func (b blockingChat) OpenChat(ctx context.Context, msgs []conversation.APIMessage) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		<-b.release
		pw.CloseWithError(errors.New("closed"))
	}()
	return pr, nil
}

func newTestModel(t *testing.T, chat session.ChatClient) (Model, *session.Controller) {
	t.Helper()
	repo := conversation.NewRepository(storage.NewMemoryStore(), nil)
	ctrl := session.NewController(repo, chat, nil, nil)
	m := New(context.Background(), ctrl, nil)
	return update(m, tea.WindowSizeMsg{Width: 100, Height: 30}), ctrl
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func typeText(m Model, text string) Model {
	return update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

var (
	keyEnter = tea.KeyMsg{Type: tea.KeyEnter}
	keyTab   = tea.KeyMsg{Type: tea.KeyTab}
	keyNew   = tea.KeyMsg{Type: tea.KeyCtrlN}
	keyDown  = tea.KeyMsg{Type: tea.KeyDown}
	keyEsc   = tea.KeyMsg{Type: tea.KeyEsc}
)

// =============================================================================
// MODEL TESTS
// =============================================================================

func TestView_BeforeResize(t *testing.T) {
	repo := conversation.NewRepository(storage.NewMemoryStore(), nil)
	m := New(context.Background(), session.NewController(repo, nil, nil, nil), nil)
	if got := m.View(); got != "Cargando…" {
		t.Errorf("View() before resize = %q", got)
	}
}

func TestView_Welcome(t *testing.T) {
	m, _ := newTestModel(t, replyWith("hola"))
	view := m.View()
	if !strings.Contains(view, "calma") {
		t.Error("header missing")
	}
	if !strings.Contains(view, "Sin conversaciones") {
		t.Error("empty sidebar missing")
	}
}

func TestSubmit_StreamsReply(t *testing.T) {
	m, ctrl := newTestModel(t, replyWith("Estoy aquí contigo."))

	m = typeText(m, "Me siento ansioso")
	if m.input.Value() != "Me siento ansioso" {
		t.Fatalf("draft = %q", m.input.Value())
	}
	m = update(m, keyEnter)
	if m.input.Value() != "" {
		t.Errorf("draft not cleared after submit: %q", m.input.Value())
	}

	ctrl.Wait()
	m = update(m, RefreshMsg{})

	view := m.View()
	for _, want := range []string{"Me siento ansioso", "Estoy aquí contigo.", "Tú", "Calma"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	conv, ok := ctrl.Repository().Active()
	if !ok || len(conv.Messages) != 2 {
		t.Fatalf("active conversation = %+v, %v", conv, ok)
	}
}

func TestSubmit_BlankDraftIsIgnored(t *testing.T) {
	m, ctrl := newTestModel(t, replyWith("x"))
	m = typeText(m, "   ")
	m = update(m, keyEnter)

	if ctrl.Repository().Len() != 0 {
		t.Error("blank draft created a conversation")
	}
	if m.notice != "" {
		t.Errorf("notice = %q, want empty", m.notice)
	}
}

func TestSubmit_BusyKeepsDraft(t *testing.T) {
	chat := blockingChat{release: make(chan struct{})}
	m, ctrl := newTestModel(t, chat)
	defer func() {
		close(chat.release)
		ctrl.Wait()
	}()

	m = typeText(m, "primero")
	m = update(m, keyEnter)
	m = typeText(m, "segundo")
	m = update(m, keyEnter)

	if m.notice != noticeBusy {
		t.Errorf("notice = %q, want busy notice", m.notice)
	}
	if m.input.Value() != "segundo" {
		t.Errorf("draft = %q, want the rejected text kept", m.input.Value())
	}
}

func TestSidebarSubtitle(t *testing.T) {
	c := conversation.Conversation{Date: "09/03/2025"}
	if got := sidebarSubtitle(c, 26); got != "09/03/2025" {
		t.Errorf("empty chat subtitle = %q", got)
	}

	c.Messages = []conversation.Message{conversation.UserMessage("Me cuesta concentrarme\nen el trabajo")}
	if got := sidebarSubtitle(c, 40); got != "09/03/2025 · Me cuesta concentrarme" {
		t.Errorf("subtitle = %q", got)
	}
	if got := sidebarSubtitle(c, 20); runewidth.StringWidth(got) > 20 || !strings.HasPrefix(got, "09/03/2025 · ") {
		t.Errorf("subtitle not truncated to width: %q", got)
	}
}

func TestView_SidebarShowsOpeningLine(t *testing.T) {
	m, ctrl := newTestModel(t, replyWith("ok"))
	m = typeText(m, "ansiedad")
	m = update(m, keyEnter)
	ctrl.Wait()
	m = update(m, RefreshMsg{})

	if !strings.Contains(m.View(), "· ansiedad") {
		t.Errorf("sidebar missing opening line:\n%s", m.View())
	}
}

func TestSidebar_SelectAndDelete(t *testing.T) {
	m, ctrl := newTestModel(t, replyWith("ok"))
	repo := ctrl.Repository()

	m = typeText(m, "uno")
	m = update(m, keyEnter)
	ctrl.Wait()
	first := repo.ActiveID()

	m = update(m, keyNew)
	if m.notice != noticeNew {
		t.Errorf("notice after new = %q", m.notice)
	}
	m = typeText(m, "dos")
	m = update(m, keyEnter)
	ctrl.Wait()
	second := repo.ActiveID()
	if first == second {
		t.Fatal("ctrl+n did not start a new conversation")
	}
	m = update(m, RefreshMsg{})

	// Most recent first: the cursor starts on the active (second) one.
	m = update(m, keyTab)
	if m.focus != FocusSidebar {
		t.Fatalf("focus = %v, want sidebar", m.focus)
	}
	m = update(m, keyDown)
	m = update(m, keyEnter)
	if repo.ActiveID() != first {
		t.Errorf("ActiveID() = %q, want %q", repo.ActiveID(), first)
	}
	if m.focus != FocusInput {
		t.Errorf("focus did not return to input after select")
	}

	m = update(m, keyTab)
	m = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	if _, ok := repo.Get(first); ok {
		t.Error("conversation not deleted")
	}
	if repo.ActiveID() != "" {
		t.Errorf("deleting the active conversation left ActiveID() = %q", repo.ActiveID())
	}
	if repo.Len() != 1 {
		t.Errorf("Len() = %d, want 1", repo.Len())
	}

	m = update(m, keyEsc)
	if m.focus != FocusInput {
		t.Errorf("esc in sidebar should return to input")
	}
}

func TestQuitKey(t *testing.T) {
	m, _ := newTestModel(t, replyWith("x"))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c did not quit")
	}
}

func TestNarrowLayoutHidesSidebar(t *testing.T) {
	m, _ := newTestModel(t, replyWith("x"))
	m = update(m, tea.WindowSizeMsg{Width: 50, Height: 20})
	if strings.Contains(m.View(), "Sin conversaciones") {
		t.Error("sidebar shown in narrow layout")
	}
	m = update(m, keyTab)
	if !strings.Contains(m.View(), "Sin conversaciones") {
		t.Error("focused sidebar not shown in narrow layout")
	}
}

// =============================================================================
// REFRESHER TESTS
// =============================================================================

func TestRefresher_CoalescesNotifications(t *testing.T) {
	r := NewRefresher(1000)
	for i := 0; i < 10; i++ {
		r.Notify("id")
	}

	if _, ok := r.Next(context.Background())().(RefreshMsg); !ok {
		t.Fatal("Next() did not deliver a RefreshMsg")
	}

	// Nothing pending now: Next must block until ctx ends.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg := r.Next(ctx)(); msg != nil {
		t.Errorf("Next() with nothing pending = %#v, want nil", msg)
	}
}

func TestRefresher_PacesRedraws(t *testing.T) {
	r := NewRefresher(20) // one every 50ms
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		r.Notify("")
		if _, ok := r.Next(ctx)().(RefreshMsg); !ok {
			t.Fatal("Next() did not deliver a RefreshMsg")
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three redraws took %v, want paced to ~100ms", elapsed)
	}
}
