package models

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var (
	ErrIndexOutOfRange = errors.New("turn index out of range")
	ErrEmptyContent    = errors.New("turn content is empty")
	ErrInvalidRole     = errors.New("invalid turn role")
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewTurn rejects empty content and unknown roles.
func NewTurn(role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if strings.TrimSpace(content) == "" {
		return Turn{}, ErrEmptyContent
	}
	return Turn{Role: role, Content: content}, nil
}

// TurnList is the ordered list of turns of a conversation. Order is
// conversation order.
type TurnList struct {
	turns []Turn
}

func NewTurnList(turns ...Turn) *TurnList {
	l := &TurnList{turns: make([]Turn, 0, len(turns))}
	l.turns = append(l.turns, turns...)
	return l
}

func (l *TurnList) Len() int { return len(l.turns) }

// Append adds a turn to the end of the list.
func (l *TurnList) Append(t Turn) {
	l.turns = append(l.turns, t)
}

// Edit replaces the content of the turn at index, keeping its role.
func (l *TurnList) Edit(index int, content string) error {
	if err := l.check(index); err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	l.turns[index].Content = content
	return nil
}

// Delete removes the turn at index. Later turns shift down by one.
func (l *TurnList) Delete(index int) error {
	if err := l.check(index); err != nil {
		return err
	}
	l.turns = append(l.turns[:index], l.turns[index+1:]...)
	return nil
}

func (l *TurnList) At(index int) (Turn, error) {
	if err := l.check(index); err != nil {
		return Turn{}, err
	}
	return l.turns[index], nil
}

// Last returns the final turn, or false for an empty list.
func (l *TurnList) Last() (Turn, bool) {
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// Turns returns a copy of the list contents.
func (l *TurnList) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *TurnList) Clone() *TurnList {
	return NewTurnList(l.turns...)
}

func (l *TurnList) check(index int) error {
	if index < 0 || index >= len(l.turns) {
		return fmt.Errorf("%w: %d (have %d turns)", ErrIndexOutOfRange, index, len(l.turns))
	}
	return nil
}

// Session is a named, persisted snapshot of a conversation.
type Session struct {
	Name    string `json:"-"`
	Turns   []Turn `json:"messages"`
	ModelID string `json:"model"`
	Params
}

// ModelInfo is one entry of the model catalog.
type ModelInfo struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
}
