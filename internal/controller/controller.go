// Package controller owns the live conversation and every state
// transition the chat page can trigger: new chat, load, save, update,
// submit, and turn editing.
//
// The controller has two states. NEW is a fresh, unsaved conversation.
// LOADED(name) is a conversation initialized from the stored session
// name, which UpdateCurrent re-saves. Every transition runs under one
// mutex, including the completion call, so user actions are processed one
// at a time and never interleave with an in-flight request.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/RichardoC/llamachat/internal/llm"
	"github.com/RichardoC/llamachat/internal/models"
	"github.com/RichardoC/llamachat/internal/prompt"
	"github.com/RichardoC/llamachat/internal/store"
)

// NoEdit is the edit cursor value when no turn is being edited.
const NoEdit = -1

var (
	ErrEmptyInput      = errors.New("message is empty")
	ErrEmptyReply      = errors.New("completion returned no text")
	ErrNoLoadedSession = errors.New("no session loaded; use save as")
	ErrNotEditing      = errors.New("turn is not open for editing")
	ErrUnknownModel    = errors.New("unknown model")
	ErrNoModels        = errors.New("no models available")
)

type State int

const (
	StateNew State = iota
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SessionStore is the persistence the controller needs.
type SessionStore interface {
	Get(name string) (models.Session, error)
	SaveOne(name string, session models.Session) error
	Delete(name string) error
	Names() []string
}

// ActiveConversation is the live conversation shown on the page.
type ActiveConversation struct {
	Turns      *models.TurnList
	ModelID    string
	Params     models.Params
	EditCursor int
}

// Config wires a Controller. A nil Gateway means no API key is configured;
// submissions then fail with llm.ErrNotConfigured.
type Config struct {
	Greeting string
	Defaults models.Params
	Models   []models.ModelInfo
	Gateway  llm.Gateway
	Store    SessionStore
	Logger   *zap.Logger
}

type Controller struct {
	mu sync.Mutex

	greeting string
	defaults models.Params
	models   []models.ModelInfo
	gateway  llm.Gateway
	store    SessionStore
	logger   *zap.Logger

	state   State
	loaded  string
	conv    ActiveConversation
	warning string
}

// New starts a controller in the NEW state with the greeting turn, the
// default parameters and the first model.
func New(cfg Config) (*Controller, error) {
	if len(cfg.Models) == 0 {
		return nil, ErrNoModels
	}
	if cfg.Store == nil {
		return nil, errors.New("controller: session store is nil")
	}
	if _, err := models.NewTurn(models.RoleAssistant, cfg.Greeting); err != nil {
		return nil, fmt.Errorf("controller: invalid greeting: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		greeting: cfg.Greeting,
		defaults: cfg.Defaults,
		models:   append([]models.ModelInfo(nil), cfg.Models...),
		gateway:  cfg.Gateway,
		store:    cfg.Store,
		logger:   logger,
	}
	c.conv.ModelID = c.models[0].ID
	c.resetLocked()
	return c, nil
}

// Snapshot returns the current state for rendering.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetWarning records a status message shown with every snapshot until the
// next successful write to the session store.
func (c *Controller) SetWarning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warning = msg
}

// NewChat discards the live conversation and returns to NEW. The selected
// model is kept.
func (c *Controller) NewChat() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.logger.Debug("new chat")
	return c.snapshotLocked()
}

// Load replaces the live conversation with the stored session name. On
// error the state is unchanged.
func (c *Controller) Load(name string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.store.Get(name)
	if err != nil {
		return c.snapshotLocked(), err
	}

	params := sess.Params
	if err := params.Validate(0); err != nil {
		c.logger.Warn("stored session has invalid parameters, using defaults",
			zap.String("session", name),
			zap.Error(err))
		params = c.defaults
	}
	modelID := sess.ModelID
	if modelID == "" {
		modelID = c.conv.ModelID
	}

	c.state = StateLoaded
	c.loaded = name
	c.conv = ActiveConversation{
		Turns:      models.NewTurnList(sess.Turns...),
		ModelID:    modelID,
		Params:     params,
		EditCursor: NoEdit,
	}
	if stored := c.conv.Params.MaxLength; c.clampMaxLengthLocked() {
		c.logger.Warn("stored max_length exceeds the model's context length, lowering it",
			zap.String("session", name),
			zap.String("model", modelID),
			zap.Int("stored", stored),
			zap.Int("max_length", c.conv.Params.MaxLength))
	}
	c.logger.Info("loaded session",
		zap.String("session", name),
		zap.Int("turns", len(sess.Turns)))
	return c.snapshotLocked(), nil
}

// SaveAs stores the live conversation under name, overwriting any session
// with that name. The controller state does not change.
func (c *Controller) SaveAs(name string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return c.snapshotLocked(), store.ErrEmptyName
	}
	if err := c.saveLocked(name); err != nil {
		return c.snapshotLocked(), err
	}
	return c.snapshotLocked(), nil
}

// UpdateCurrent re-saves the loaded session. It fails in NEW.
func (c *Controller) UpdateCurrent() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateLoaded {
		return c.snapshotLocked(), ErrNoLoadedSession
	}
	if err := c.saveLocked(c.loaded); err != nil {
		return c.snapshotLocked(), err
	}
	return c.snapshotLocked(), nil
}

// DeleteSession removes a stored session. Deleting the loaded session
// returns the controller to NEW but keeps the live turns.
func (c *Controller) DeleteSession(name string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(name); err != nil {
		return c.snapshotLocked(), err
	}
	c.warning = ""
	if c.state == StateLoaded && c.loaded == name {
		c.state = StateNew
		c.loaded = ""
	}
	c.logger.Info("deleted session", zap.String("session", name))
	return c.snapshotLocked(), nil
}

// Submit appends a user turn and asks the gateway for the reply. When the
// gateway fails the user turn stays and no assistant turn is added.
func (c *Controller) Submit(ctx context.Context, text string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return c.snapshotLocked(), ErrEmptyInput
	}
	if c.gateway == nil {
		return c.snapshotLocked(), llm.ErrNotConfigured
	}

	c.conv.Turns.Append(models.Turn{Role: models.RoleUser, Content: text})
	err := c.respondLocked(ctx)
	return c.snapshotLocked(), err
}

// Reply requests an answer to a trailing user turn, e.g. after a failed
// submit. It does nothing when the last turn is already an assistant turn.
func (c *Controller) Reply(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gateway == nil {
		return c.snapshotLocked(), llm.ErrNotConfigured
	}
	err := c.respondLocked(ctx)
	return c.snapshotLocked(), err
}

// BeginEdit opens the turn at index for editing.
func (c *Controller) BeginEdit(index int) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conv.Turns.At(index); err != nil {
		return c.snapshotLocked(), err
	}
	c.conv.EditCursor = index
	return c.snapshotLocked(), nil
}

// CommitEdit replaces the content of the turn open for editing and closes
// the editor. index must match the open turn.
func (c *Controller) CommitEdit(index int, text string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conv.EditCursor == NoEdit || c.conv.EditCursor != index {
		return c.snapshotLocked(), fmt.Errorf("%w: %d", ErrNotEditing, index)
	}
	if err := c.conv.Turns.Edit(index, text); err != nil {
		if errors.Is(err, models.ErrIndexOutOfRange) {
			c.conv.EditCursor = NoEdit
		}
		return c.snapshotLocked(), err
	}
	c.conv.EditCursor = NoEdit
	return c.snapshotLocked(), nil
}

func (c *Controller) CancelEdit() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conv.EditCursor = NoEdit
	return c.snapshotLocked()
}

// DeleteTurn removes the turn at index. A delete at or before the turn
// open for editing closes the editor, since the cursor would otherwise
// point at a different turn.
func (c *Controller) DeleteTurn(index int) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conv.Turns.Delete(index); err != nil {
		return c.snapshotLocked(), err
	}
	if c.conv.EditCursor != NoEdit && index <= c.conv.EditCursor {
		c.conv.EditCursor = NoEdit
	}
	return c.snapshotLocked(), nil
}

// SetModel selects a model, lowering max_length to its context length if
// needed.
func (c *Controller) SetModel(modelID string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.modelLocked(modelID)
	if !ok {
		return c.snapshotLocked(), fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	c.conv.ModelID = info.ID
	c.clampMaxLengthLocked()
	return c.snapshotLocked(), nil
}

// SetParams validates params against the selected model's context length.
func (c *Controller) SetParams(params models.Params) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := params.Validate(c.contextLimitLocked()); err != nil {
		return c.snapshotLocked(), err
	}
	c.conv.Params = params
	return c.snapshotLocked(), nil
}

func (c *Controller) resetLocked() {
	c.state = StateNew
	c.loaded = ""
	c.conv = ActiveConversation{
		Turns:      models.NewTurnList(models.Turn{Role: models.RoleAssistant, Content: c.greeting}),
		ModelID:    c.conv.ModelID,
		Params:     c.defaults,
		EditCursor: NoEdit,
	}
}

func (c *Controller) saveLocked(name string) error {
	sess := models.Session{
		Name:    name,
		Turns:   c.conv.Turns.Turns(),
		ModelID: c.conv.ModelID,
		Params:  c.conv.Params,
	}
	if err := c.store.SaveOne(name, sess); err != nil {
		c.logger.Error("failed to save session", zap.String("session", name), zap.Error(err))
		return err
	}
	c.warning = ""
	c.logger.Info("saved session",
		zap.String("session", name),
		zap.Int("turns", len(sess.Turns)))
	return nil
}

func (c *Controller) respondLocked(ctx context.Context) error {
	last, ok := c.conv.Turns.Last()
	if !ok || last.Role == models.RoleAssistant {
		return nil
	}

	// The pending user turn is rendered twice: once in the transcript and
	// again as the input before the cue.
	req, err := prompt.Build(c.conv.Turns.Turns(), last.Content, c.conv.Params.MaxLength)
	if err != nil {
		return err
	}

	out, err := c.gateway.Complete(ctx, llm.Request{
		Model:             c.conv.ModelID,
		Prompt:            req.Prompt,
		Temperature:       c.conv.Params.Temperature,
		TopP:              c.conv.Params.TopP,
		MaxTokens:         req.MaxTokens,
		RepetitionPenalty: llm.DefaultRepetitionPenalty,
		InputTokens:       req.InputTokens,
	})
	if err != nil {
		c.logger.Warn("completion failed",
			zap.String("model", c.conv.ModelID),
			zap.Error(err))
		return err
	}
	if strings.TrimSpace(out) == "" {
		return ErrEmptyReply
	}
	c.conv.Turns.Append(models.Turn{Role: models.RoleAssistant, Content: out})
	return nil
}

func (c *Controller) modelLocked(id string) (models.ModelInfo, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return models.ModelInfo{}, false
}

// clampMaxLengthLocked lowers max_length to the selected model's context
// length and reports whether it changed.
func (c *Controller) clampMaxLengthLocked() bool {
	limit := c.contextLimitLocked()
	if limit <= 0 || c.conv.Params.MaxLength <= limit {
		return false
	}
	c.conv.Params.MaxLength = max(limit, models.MinMaxLength)
	return true
}

// contextLimitLocked is 0 (unbounded) for a model missing from the catalog,
// e.g. one restored from an older session.
func (c *Controller) contextLimitLocked() int {
	info, _ := c.modelLocked(c.conv.ModelID)
	return info.ContextLength
}
