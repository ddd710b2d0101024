package controller

import "github.com/RichardoC/llamachat/internal/models"

// Snapshot is an immutable copy of everything the page renders.
type Snapshot struct {
	State         string             `json:"state"`
	SessionName   string             `json:"session_name,omitempty"`
	Turns         []models.Turn      `json:"turns"`
	ModelID       string             `json:"model"`
	Params        models.Params      `json:"params"`
	ContextLength int                `json:"context_length"`
	EditCursor    int                `json:"edit_cursor"`
	Sessions      []string           `json:"sessions"`
	Models        []models.ModelInfo `json:"models"`
	Ready         bool               `json:"ready"`
	Warning       string             `json:"warning,omitempty"`
}

func (c *Controller) snapshotLocked() Snapshot {
	sessions := c.store.Names()
	if sessions == nil {
		sessions = []string{}
	}
	return Snapshot{
		State:         c.state.String(),
		SessionName:   c.loaded,
		Turns:         c.conv.Turns.Turns(),
		ModelID:       c.conv.ModelID,
		Params:        c.conv.Params,
		ContextLength: c.contextLimitLocked(),
		EditCursor:    c.conv.EditCursor,
		Sessions:      sessions,
		Models:        append([]models.ModelInfo(nil), c.models...),
		Ready:         c.gateway != nil,
		Warning:       c.warning,
	}
}
