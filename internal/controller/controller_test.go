package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/RichardoC/llamachat/internal/llm"
	"github.com/RichardoC/llamachat/internal/models"
	"github.com/RichardoC/llamachat/internal/prompt"
	"github.com/RichardoC/llamachat/internal/store"
)

const greeting = "How may I assist you today?"

type fakeGateway struct {
	replies  []string
	err      error
	requests []llm.Request
}

func (f *fakeGateway) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "ok", nil
	}
	out := f.replies[0]
	f.replies = f.replies[1:]
	return out, nil
}

var testModels = []models.ModelInfo{
	{ID: "meta-llama/Llama-2-7b-chat-hf", ContextLength: 4096},
	{ID: "small", ContextLength: 64},
}

func newController(t *testing.T, gw llm.Gateway) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.json"), zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := Config{
		Greeting: greeting,
		Defaults: models.DefaultParams(),
		Models:   testModels,
		Store:    st,
		Logger:   zaptest.NewLogger(t),
	}
	if gw != nil {
		cfg.Gateway = gw
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, st
}

func TestNew_InitialState(t *testing.T) {
	c, _ := newController(t, &fakeGateway{})
	snap := c.Snapshot()

	assert.Equal(t, "new", snap.State)
	assert.Empty(t, snap.SessionName)
	assert.Equal(t, []models.Turn{{Role: models.RoleAssistant, Content: greeting}}, snap.Turns)
	assert.Equal(t, models.DefaultParams(), snap.Params)
	assert.Equal(t, testModels[0].ID, snap.ModelID)
	assert.Equal(t, 4096, snap.ContextLength)
	assert.Equal(t, NoEdit, snap.EditCursor)
	assert.True(t, snap.Ready)
	assert.Equal(t, []string{}, snap.Sessions)
}

func TestNew_Errors(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "s.json"), nil)
	require.NoError(t, err)

	_, err = New(Config{Greeting: greeting, Store: st})
	assert.ErrorIs(t, err, ErrNoModels)

	_, err = New(Config{Greeting: " ", Store: st, Models: testModels})
	assert.ErrorIs(t, err, models.ErrEmptyContent)
}

func TestSubmit_NewChatFirstMessage(t *testing.T) {
	gw := &fakeGateway{replies: []string{"Hello!"}}
	c, _ := newController(t, gw)

	snap, err := c.Submit(context.Background(), "Hi")
	require.NoError(t, err)

	require.Len(t, gw.requests, 1)
	req := gw.requests[0]
	want := prompt.Preamble + "Assistant: " + greeting + "\n\n" + "User: Hi\n\n" + " Hi Assistant:"
	assert.Equal(t, want, req.Prompt)
	assert.Equal(t, testModels[0].ID, req.Model)
	assert.Equal(t, 120, req.MaxTokens)
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	assert.InDelta(t, 0.9, req.TopP, 1e-9)
	assert.InDelta(t, 1.0, req.RepetitionPenalty, 1e-9)
	assert.Equal(t, prompt.EstimateTokens(want), req.InputTokens)

	assert.Equal(t, []models.Turn{
		{Role: models.RoleAssistant, Content: greeting},
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "Hello!"},
	}, snap.Turns)
}

func TestSubmit_EmptyInput(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newController(t, gw)

	snap, err := c.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Len(t, snap.Turns, 1)
	assert.Empty(t, gw.requests)
}

func TestSubmit_NotConfigured(t *testing.T) {
	c, _ := newController(t, nil)

	snap, err := c.Submit(context.Background(), "Hi")
	assert.ErrorIs(t, err, llm.ErrNotConfigured)
	assert.False(t, snap.Ready)
	assert.Len(t, snap.Turns, 1)
}

func TestSubmit_GatewayFailureKeepsUserTurn(t *testing.T) {
	gw := &fakeGateway{err: errors.New("HTTP 500")}
	c, _ := newController(t, gw)

	snap, err := c.Submit(context.Background(), "Hi")
	require.Error(t, err)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, models.Turn{Role: models.RoleUser, Content: "Hi"}, snap.Turns[1])

	// Retry once the gateway recovers.
	gw.err = nil
	gw.replies = []string{"Back online"}
	snap, err = c.Reply(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, "Back online", snap.Turns[2].Content)
	assert.Equal(t, gw.requests[0].Prompt, gw.requests[1].Prompt)
}

func TestReply_NoopAfterAssistantTurn(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newController(t, gw)

	snap, err := c.Reply(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Turns, 1)
	assert.Empty(t, gw.requests)
}

func TestSubmit_EmptyReplyAddsNoTurn(t *testing.T) {
	gw := &fakeGateway{replies: []string{"  "}}
	c, _ := newController(t, gw)

	snap, err := c.Submit(context.Background(), "Hi")
	assert.ErrorIs(t, err, ErrEmptyReply)
	assert.Len(t, snap.Turns, 2)
}

func TestSubmit_ContextExhausted(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newController(t, gw)

	words := make([]byte, 0, 2*prompt.HardCeiling)
	for i := 0; i < prompt.HardCeiling; i++ {
		words = append(words, 'w', ' ')
	}
	snap, err := c.Submit(context.Background(), string(words))
	assert.ErrorIs(t, err, prompt.ErrContextExhausted)
	assert.Empty(t, gw.requests)
	assert.Len(t, snap.Turns, 2)
}

func TestSaveLoadUpdate(t *testing.T) {
	gw := &fakeGateway{replies: []string{"Sure."}}
	c, st := newController(t, gw)

	_, err := c.Submit(context.Background(), "Plan a trip")
	require.NoError(t, err)

	snap, err := c.SaveAs("  trip  ")
	require.NoError(t, err)
	assert.Equal(t, "new", snap.State)
	assert.Equal(t, []string{"trip"}, snap.Sessions)

	_, err = c.UpdateCurrent()
	assert.ErrorIs(t, err, ErrNoLoadedSession)

	c.NewChat()
	snap, err = c.Load("trip")
	require.NoError(t, err)
	assert.Equal(t, "loaded", snap.State)
	assert.Equal(t, "trip", snap.SessionName)
	require.Len(t, snap.Turns, 3)

	_, err = c.DeleteTurn(2)
	require.NoError(t, err)
	_, err = c.UpdateCurrent()
	require.NoError(t, err)

	sess, err := st.Get("trip")
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
	assert.Equal(t, models.DefaultParams(), sess.Params)
	assert.Equal(t, testModels[0].ID, sess.ModelID)

	reopened, err := store.Open(st.Path(), nil)
	require.NoError(t, err)
	again, err := reopened.Get("trip")
	require.NoError(t, err)
	assert.Equal(t, sess.Turns, again.Turns)
}

func TestSaveAs_EmptyName(t *testing.T) {
	c, st := newController(t, &fakeGateway{})

	_, err := c.SaveAs("   ")
	assert.ErrorIs(t, err, store.ErrEmptyName)
	assert.Empty(t, st.Names())
}

func TestLoad_MissingSessionKeepsState(t *testing.T) {
	c, _ := newController(t, &fakeGateway{})
	_, err := c.Submit(context.Background(), "Hi")
	require.NoError(t, err)

	snap, err := c.Load("nope")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	assert.Equal(t, "new", snap.State)
	assert.Len(t, snap.Turns, 3)
}

func TestLoad_InvalidStoredParamsFallBackToDefaults(t *testing.T) {
	c, st := newController(t, &fakeGateway{})
	require.NoError(t, st.SaveOne("legacy", models.Session{
		Turns: []models.Turn{{Role: models.RoleUser, Content: "old"}},
	}))

	snap, err := c.Load("legacy")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultParams(), snap.Params)
	assert.Equal(t, testModels[0].ID, snap.ModelID)
}

func TestLoad_StoredMaxLengthClampedToModel(t *testing.T) {
	gw := &fakeGateway{replies: []string{"ok"}}
	c, st := newController(t, gw)
	require.NoError(t, st.SaveOne("wide", models.Session{
		Turns:   []models.Turn{{Role: models.RoleAssistant, Content: greeting}},
		ModelID: "small",
		Params:  models.Params{Temperature: 0.5, TopP: 0.5, MaxLength: 2000},
	}))

	snap, err := c.Load("wide")
	require.NoError(t, err)
	assert.Equal(t, "small", snap.ModelID)
	assert.Equal(t, models.Params{Temperature: 0.5, TopP: 0.5, MaxLength: 64}, snap.Params)

	_, err = c.Submit(context.Background(), "Hi")
	require.NoError(t, err)
	require.Len(t, gw.requests, 1)
	assert.Equal(t, 64, gw.requests[0].MaxTokens)
}

func TestSaveNewChatLoad_RestoresConversation(t *testing.T) {
	gw := &fakeGateway{replies: []string{"Paris.", "About two million."}}
	c, _ := newController(t, gw)

	_, err := c.Submit(context.Background(), "Capital of France?")
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "Population?")
	require.NoError(t, err)
	_, err = c.BeginEdit(3)
	require.NoError(t, err)
	_, err = c.CommitEdit(3, "Population of Paris?")
	require.NoError(t, err)
	_, err = c.SetModel("small")
	require.NoError(t, err)
	before, err := c.SetParams(models.Params{Temperature: 0.7, TopP: 0.6, MaxLength: 50})
	require.NoError(t, err)

	_, err = c.SaveAs("paris")
	require.NoError(t, err)

	fresh := c.NewChat()
	require.Len(t, fresh.Turns, 1)
	assert.Equal(t, models.DefaultParams(), fresh.Params)

	after, err := c.Load("paris")
	require.NoError(t, err)
	assert.Equal(t, before.Turns, after.Turns)
	assert.Equal(t, before.ModelID, after.ModelID)
	assert.Equal(t, before.Params, after.Params)
	assert.Equal(t, "Population of Paris?", after.Turns[3].Content)
	assert.Equal(t, "loaded", after.State)
	assert.Equal(t, "paris", after.SessionName)
}

func TestNewChat_ResetsConversationKeepsModel(t *testing.T) {
	c, st := newController(t, &fakeGateway{})
	require.NoError(t, st.SaveOne("s", models.Session{
		Turns:   []models.Turn{{Role: models.RoleUser, Content: "x"}},
		ModelID: "small",
		Params:  models.Params{Temperature: 0.5, TopP: 0.5, MaxLength: 40},
	}))
	_, err := c.Load("s")
	require.NoError(t, err)
	_, err = c.BeginEdit(0)
	require.NoError(t, err)

	snap := c.NewChat()
	assert.Equal(t, "new", snap.State)
	assert.Empty(t, snap.SessionName)
	assert.Equal(t, []models.Turn{{Role: models.RoleAssistant, Content: greeting}}, snap.Turns)
	assert.Equal(t, models.DefaultParams(), snap.Params)
	assert.Equal(t, "small", snap.ModelID)
	assert.Equal(t, NoEdit, snap.EditCursor)
}

func TestDeleteSession(t *testing.T) {
	c, st := newController(t, &fakeGateway{})
	_, err := c.Submit(context.Background(), "Hi")
	require.NoError(t, err)
	_, err = c.SaveAs("a")
	require.NoError(t, err)
	_, err = c.SaveAs("b")
	require.NoError(t, err)

	_, err = c.Load("a")
	require.NoError(t, err)

	snap, err := c.DeleteSession("b")
	require.NoError(t, err)
	assert.Equal(t, "loaded", snap.State)
	assert.Equal(t, []string{"a"}, snap.Sessions)

	snap, err = c.DeleteSession("a")
	require.NoError(t, err)
	assert.Equal(t, "new", snap.State)
	assert.Len(t, snap.Turns, 3)
	assert.Empty(t, st.Names())

	_, err = c.DeleteSession("a")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestEditFlow(t *testing.T) {
	gw := &fakeGateway{replies: []string{"A1", "A2"}}
	c, _ := newController(t, gw)
	_, err := c.Submit(context.Background(), "Q1")
	require.NoError(t, err)

	snap, err := c.BeginEdit(1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.EditCursor)

	_, err = c.CommitEdit(2, "wrong turn")
	assert.ErrorIs(t, err, ErrNotEditing)

	_, err = c.CommitEdit(1, "")
	assert.ErrorIs(t, err, models.ErrEmptyContent)
	assert.Equal(t, 1, c.Snapshot().EditCursor)

	snap, err = c.CommitEdit(1, "Q1 edited")
	require.NoError(t, err)
	assert.Equal(t, NoEdit, snap.EditCursor)
	assert.Equal(t, models.Turn{Role: models.RoleUser, Content: "Q1 edited"}, snap.Turns[1])

	// The edited history is what the next prompt sees.
	_, err = c.Submit(context.Background(), "Q2")
	require.NoError(t, err)
	assert.Contains(t, gw.requests[1].Prompt, "User: Q1 edited\n\n")

	_, err = c.BeginEdit(9)
	assert.ErrorIs(t, err, models.ErrIndexOutOfRange)

	_, err = c.BeginEdit(0)
	require.NoError(t, err)
	snap = c.CancelEdit()
	assert.Equal(t, NoEdit, snap.EditCursor)
	assert.Equal(t, greeting, snap.Turns[0].Content)
}

func TestDeleteTurn_CursorRules(t *testing.T) {
	gw := &fakeGateway{replies: []string{"A1", "A2"}}
	c, _ := newController(t, gw)
	_, err := c.Submit(context.Background(), "Q1")
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "Q2")
	require.NoError(t, err)
	// greeting, Q1, A1, Q2, A2

	_, err = c.BeginEdit(2)
	require.NoError(t, err)
	snap, err := c.DeleteTurn(4)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.EditCursor, "delete after the cursor keeps it")

	snap, err = c.DeleteTurn(2)
	require.NoError(t, err)
	assert.Equal(t, NoEdit, snap.EditCursor, "delete at the cursor resets it")

	_, err = c.BeginEdit(2)
	require.NoError(t, err)
	snap, err = c.DeleteTurn(0)
	require.NoError(t, err)
	assert.Equal(t, NoEdit, snap.EditCursor, "delete before the cursor resets it")
	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Content: "Q1"},
		{Role: models.RoleUser, Content: "Q2"},
	}, snap.Turns)

	_, err = c.DeleteTurn(5)
	assert.ErrorIs(t, err, models.ErrIndexOutOfRange)
}

func TestDeleteTurn_AllTurnsThenSubmit(t *testing.T) {
	gw := &fakeGateway{replies: []string{"fresh"}}
	c, _ := newController(t, gw)

	_, err := c.DeleteTurn(0)
	require.NoError(t, err)

	snap, err := c.Submit(context.Background(), "Hi")
	require.NoError(t, err)
	assert.Equal(t, prompt.Preamble+"User: Hi\n\n Hi Assistant:", gw.requests[0].Prompt)
	assert.Len(t, snap.Turns, 2)
}

func TestModelAndParams(t *testing.T) {
	c, _ := newController(t, &fakeGateway{})

	_, err := c.SetModel("missing")
	assert.ErrorIs(t, err, ErrUnknownModel)

	snap, err := c.SetModel("small")
	require.NoError(t, err)
	assert.Equal(t, "small", snap.ModelID)
	assert.Equal(t, 64, snap.Params.MaxLength)

	_, err = c.SetParams(models.Params{Temperature: 0.5, TopP: 0.5, MaxLength: 65})
	assert.ErrorIs(t, err, models.ErrInvalidParams)

	_, err = c.SetParams(models.Params{Temperature: 0, TopP: 0.5, MaxLength: 40})
	assert.ErrorIs(t, err, models.ErrInvalidParams)

	snap, err = c.SetParams(models.Params{Temperature: 0.5, TopP: 0.5, MaxLength: 40})
	require.NoError(t, err)
	assert.Equal(t, 40, snap.Params.MaxLength)

	// Switching to a larger model keeps max_length as it was.
	snap, err = c.SetModel(testModels[0].ID)
	require.NoError(t, err)
	assert.Equal(t, testModels[0].ID, snap.ModelID)
	assert.Equal(t, 40, snap.Params.MaxLength)

	snap, err = c.SetParams(models.Params{Temperature: 1, TopP: 1, MaxLength: 2000})
	require.NoError(t, err)
	assert.Equal(t, 2000, snap.Params.MaxLength)

	_, err = c.SetParams(models.Params{Temperature: 2, TopP: 0.5, MaxLength: 40})
	assert.ErrorIs(t, err, models.ErrInvalidParams)
	assert.Equal(t, 2000, c.Snapshot().Params.MaxLength)
}

func TestWarningClearedBySave(t *testing.T) {
	c, _ := newController(t, &fakeGateway{})

	c.SetWarning("session file changed on disk")
	assert.Equal(t, "session file changed on disk", c.Snapshot().Warning)

	snap, err := c.SaveAs("x")
	require.NoError(t, err)
	assert.Empty(t, snap.Warning)
}

func TestSaveAs_StoreFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	st, err := store.Open(filepath.Join(blocker, "sessions.json"), nil)
	require.NoError(t, err)
	c, err := New(Config{Greeting: greeting, Defaults: models.DefaultParams(), Models: testModels, Store: st})
	require.NoError(t, err)

	c.SetWarning("could not read session file")
	snap, err := c.SaveAs("x")
	require.Error(t, err)
	assert.Equal(t, "could not read session file", snap.Warning)
	assert.Empty(t, snap.Sessions)
}
