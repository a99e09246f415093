package cache

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

// ActionType tags a cache mutation.
type ActionType string

const (
	ActionClear  ActionType = "CLEAR"
	ActionSet    ActionType = "SET"
	ActionAdd    ActionType = "ADD"
	ActionEdit   ActionType = "EDIT"
	ActionEditID ActionType = "EDIT_ID"
	ActionDelete ActionType = "DELETE"
	ActionInsert ActionType = "INSERT"
)

// ErrUnknownAction is returned for an action type the reducer does not handle.
var ErrUnknownAction = errors.New("cache: unknown action")

// Action is one tagged mutation of a collection.
type Action[T catalog.Record[T]] struct {
	Type ActionType
	// Items replaces the collection on SET.
	Items []T
	// Item is the record for ADD, EDIT, EDIT_ID and INSERT.
	Item T
	// ID is the record to drop on DELETE and the new identifier on EDIT_ID.
	ID catalog.ID
	// Index is the position for INSERT, clamped to the collection bounds.
	Index int
}

// Reduce applies action to state and returns the new state. state is never modified.
func Reduce[T catalog.Record[T]](state []T, action Action[T]) ([]T, error) {
	switch action.Type {
	case ActionClear:
		return []T{}, nil
	case ActionSet:
		return append([]T{}, action.Items...), nil
	case ActionAdd:
		next := without(state, action.Item.EntityID())
		return append(next, action.Item), nil
	case ActionEdit:
		return replace(state, action.Item.EntityID(), action.Item), nil
	case ActionEditID:
		if action.ID.IsZero() {
			return nil, fmt.Errorf("%w: EDIT_ID requires a new id", catalog.ErrInvalidID)
		}
		promoted := action.Item.WithID(action.ID)
		next := without(state, action.ID)
		return replace(next, action.Item.EntityID(), promoted), nil
	case ActionDelete:
		return without(state, action.ID), nil
	case ActionInsert:
		next := without(state, action.Item.EntityID())
		index := action.Index
		if index < 0 {
			index = 0
		}
		if index > len(next) {
			index = len(next)
		}
		next = append(next, action.Item)
		copy(next[index+1:], next[index:])
		next[index] = action.Item
		return next, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
}

// touched returns the identifiers an action affects.
func (a Action[T]) touched(state []T) []catalog.ID {
	switch a.Type {
	case ActionClear, ActionSet:
		ids := make([]catalog.ID, 0, len(state))
		for _, item := range state {
			ids = append(ids, item.EntityID())
		}
		return ids
	case ActionEditID:
		return []catalog.ID{a.Item.EntityID(), a.ID}
	case ActionDelete:
		return []catalog.ID{a.ID}
	default:
		return []catalog.ID{a.Item.EntityID()}
	}
}

func without[T catalog.Record[T]](state []T, id catalog.ID) []T {
	next := make([]T, 0, len(state))
	for _, item := range state {
		if item.EntityID() != id {
			next = append(next, item)
		}
	}
	return next
}

func replace[T catalog.Record[T]](state []T, id catalog.ID, record T) []T {
	next := make([]T, len(state))
	for index, item := range state {
		if item.EntityID() == id {
			next[index] = record
			continue
		}
		next[index] = item
	}
	return next
}

// Overlay places pending offline records ahead of server records, dropping
// server records shadowed by a pending one.
func Overlay[T catalog.Record[T]](pending, records []T) []T {
	shadowed := make(map[catalog.ID]struct{}, len(pending))
	merged := make([]T, 0, len(pending)+len(records))
	for _, item := range pending {
		shadowed[item.EntityID()] = struct{}{}
		merged = append(merged, item)
	}
	for _, item := range records {
		if _, ok := shadowed[item.EntityID()]; ok {
			continue
		}
		merged = append(merged, item)
	}
	return merged
}
