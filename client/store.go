// Package client keeps a local replica of one account's todos, categories
// and tags in sync with the server. Mutations are optimistic where safe and
// the replica converges through the server's event stream.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"taskline/api/internal/realtime"
	"taskline/api/internal/store"
)

// Transport submits mutations to the server. Responses carry no state: the
// replica is updated locally (or by the event stream), never from the
// mutation response itself.
type Transport interface {
	CreateTodo(ctx context.Context, input CreateTodo) error
	UpdateTodo(ctx context.Context, todoID string, patch store.TodoPatch) (store.Todo, error)
	DeleteTodo(ctx context.Context, todoID string) error
	ReorderTodos(ctx context.Context, pairs []store.OrderPair) error
}

type CreateTodo struct {
	Title       string
	Description *string
	CategoryID  *string
	Priority    *string
	TagIDs      []string
}

type Store struct {
	mu         sync.Mutex
	todos      []store.Todo
	categories []store.Category
	tags       []store.Tag
	transport  Transport
}

func NewStore(transport Transport) *Store {
	return &Store{transport: transport}
}

// =============================================================================
// Snapshot access
// =============================================================================

func (s *Store) Todos() []store.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTodos(s.todos)
}

func (s *Store) Categories() []store.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Category(nil), s.categories...)
}

func (s *Store) Tags() []store.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Tag(nil), s.tags...)
}

// SetTodos replaces the replica wholesale, normally after a refetch on
// (re)connect.
func (s *Store) SetTodos(todos []store.Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = cloneTodos(todos)
	sortTodos(s.todos)
}

func (s *Store) SetCategories(categories []store.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = append([]store.Category(nil), categories...)
}

func (s *Store) SetTags(tags []store.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append([]store.Tag(nil), tags...)
}

// =============================================================================
// Mutations
// =============================================================================

// RequestCreate submits a create and does NOT touch the replica. The new
// todo arrives through the event stream like everyone else's; applying it
// here as well would double it.
func (s *Store) RequestCreate(ctx context.Context, input CreateTodo) error {
	return s.transport.CreateTodo(ctx, input)
}

// RequestUpdate applies the patch to the replica immediately, then submits
// it. On success the server's canonical record replaces the optimistic one
// (its echo event will arrive too; both merges are idempotent). On failure
// the whole todo list is restored from the pre-mutation snapshot, which also
// undoes any unrelated local drift.
func (s *Store) RequestUpdate(ctx context.Context, todoID string, patch store.TodoPatch) error {
	s.mu.Lock()
	snapshot := cloneTodos(s.todos)
	for i := range s.todos {
		if s.todos[i].ID == todoID {
			applyPatch(&s.todos[i], patch)
			break
		}
	}
	s.mu.Unlock()

	canonical, err := s.transport.UpdateTodo(ctx, todoID, patch)
	if err != nil {
		s.mu.Lock()
		s.todos = snapshot
		s.mu.Unlock()
		return err
	}
	if canonical.ID == todoID {
		s.mu.Lock()
		s.replaceTodo(canonical)
		s.mu.Unlock()
	}
	return nil
}

// RequestDelete removes the todo immediately and restores the snapshot if
// the server rejects the delete.
func (s *Store) RequestDelete(ctx context.Context, todoID string) error {
	s.mu.Lock()
	snapshot := cloneTodos(s.todos)
	s.todos = removeTodo(s.todos, todoID)
	s.mu.Unlock()

	if err := s.transport.DeleteTodo(ctx, todoID); err != nil {
		s.mu.Lock()
		s.todos = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// RequestMove moves movedID to the position currently held by targetID,
// reindexes the whole list 0..n-1 and submits the new order. There is
// deliberately no rollback: a failed reorder leaves the local order in place
// and the next reordered event from the server settles it either way.
func (s *Store) RequestMove(ctx context.Context, movedID, targetID string) error {
	s.mu.Lock()
	fromIndex, toIndex := -1, -1
	for i := range s.todos {
		if s.todos[i].ID == movedID {
			fromIndex = i
		}
		if s.todos[i].ID == targetID {
			toIndex = i
		}
	}
	if fromIndex < 0 || toIndex < 0 {
		s.mu.Unlock()
		return fmt.Errorf("move %s to %s: todo not in replica", movedID, targetID)
	}
	moved := s.todos[fromIndex]
	s.todos = append(s.todos[:fromIndex], s.todos[fromIndex+1:]...)
	s.todos = append(s.todos[:toIndex], append([]store.Todo{moved}, s.todos[toIndex:]...)...)

	pairs := make([]store.OrderPair, len(s.todos))
	for i := range s.todos {
		s.todos[i].OrderIndex = i
		pairs[i] = store.OrderPair{ID: s.todos[i].ID, OrderIndex: i}
	}
	s.mu.Unlock()

	return s.transport.ReorderTodos(ctx, pairs)
}

// =============================================================================
// Event merge
// =============================================================================

// Apply merges one server event into the replica. Every merge is
// idempotent: replaying an event, or receiving the echo of a mutation this
// client already applied optimistically, converges to the same state.
func (s *Store) Apply(event realtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case realtime.EventTodoCreated:
		var item store.Todo
		if err := json.Unmarshal(event.Payload, &item); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		s.insertTodo(item)
		return nil

	case realtime.EventTodoUpdated:
		var item store.Todo
		if err := json.Unmarshal(event.Payload, &item); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		s.replaceTodo(item)
		return nil

	case realtime.EventTodoDeleted:
		var payload realtime.DeletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		s.todos = removeTodo(s.todos, payload.ID)
		return nil

	case realtime.EventTodosReordered:
		var payload realtime.ReorderedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		indexByID := make(map[string]int, len(payload.Items))
		for _, pair := range payload.Items {
			indexByID[pair.ID] = pair.OrderIndex
		}
		for i := range s.todos {
			if index, ok := indexByID[s.todos[i].ID]; ok {
				s.todos[i].OrderIndex = index
			}
		}
		sortTodos(s.todos)
		return nil

	case realtime.EventCategoryCreated:
		var item store.Category
		if err := json.Unmarshal(event.Payload, &item); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		for i := range s.categories {
			if s.categories[i].ID == item.ID {
				s.categories[i] = item
				return nil
			}
		}
		s.categories = append(s.categories, item)
		return nil

	case realtime.EventCategoryDeleted:
		var payload realtime.DeletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		kept := s.categories[:0]
		for _, category := range s.categories {
			if category.ID != payload.ID {
				kept = append(kept, category)
			}
		}
		s.categories = kept
		// Mirror the server's ON DELETE SET NULL.
		for i := range s.todos {
			if s.todos[i].CategoryID != nil && *s.todos[i].CategoryID == payload.ID {
				s.todos[i].CategoryID = nil
			}
		}
		return nil

	case realtime.EventTagCreated:
		var item store.Tag
		if err := json.Unmarshal(event.Payload, &item); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		for i := range s.tags {
			if s.tags[i].ID == item.ID {
				s.tags[i] = item
				return nil
			}
		}
		s.tags = append(s.tags, item)
		return nil

	case realtime.EventTagDeleted:
		var payload realtime.DeletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		kept := s.tags[:0]
		for _, tag := range s.tags {
			if tag.ID != payload.ID {
				kept = append(kept, tag)
			}
		}
		s.tags = kept
		for i := range s.todos {
			s.todos[i].Tags = removeTag(s.todos[i].Tags, payload.ID)
		}
		return nil
	}

	return fmt.Errorf("unknown event type %q", event.Type)
}

// insertTodo adds an unknown todo and keeps the list ordered. A duplicated
// created event finds its id already present and changes nothing.
func (s *Store) insertTodo(item store.Todo) {
	for i := range s.todos {
		if s.todos[i].ID == item.ID {
			return
		}
	}
	s.todos = append(s.todos, item)
	sortTodos(s.todos)
}

// replaceTodo swaps in the canonical record for a known id. An update for an
// id the replica lacks is dropped rather than inserted: its created event
// has not arrived yet, or the item was already deleted and this is a stale
// echo that must not resurrect it.
func (s *Store) replaceTodo(item store.Todo) {
	for i := range s.todos {
		if s.todos[i].ID == item.ID {
			s.todos[i] = item
			sortTodos(s.todos)
			return
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func applyPatch(item *store.Todo, patch store.TodoPatch) {
	if patch.Title != nil {
		item.Title = *patch.Title
	}
	if patch.ClearDescription {
		item.Description = nil
	} else if patch.Description != nil {
		item.Description = patch.Description
	}
	if patch.ClearCategory {
		item.CategoryID = nil
	} else if patch.CategoryID != nil {
		item.CategoryID = patch.CategoryID
	}
	if patch.ClearPriority {
		item.Priority = nil
	} else if patch.Priority != nil {
		item.Priority = patch.Priority
	}
	if patch.ClearDueAt {
		item.DueAt = nil
	} else if patch.DueAt != nil {
		item.DueAt = patch.DueAt
	}
	if patch.Completed != nil {
		item.Completed = *patch.Completed
	}
}

func cloneTodos(todos []store.Todo) []store.Todo {
	cloned := make([]store.Todo, len(todos))
	copy(cloned, todos)
	for i := range cloned {
		cloned[i].Tags = append([]store.Tag(nil), cloned[i].Tags...)
	}
	return cloned
}

func removeTodo(todos []store.Todo, todoID string) []store.Todo {
	kept := todos[:0]
	for _, item := range todos {
		if item.ID != todoID {
			kept = append(kept, item)
		}
	}
	return kept
}

func removeTag(tags []store.Tag, tagID string) []store.Tag {
	kept := tags[:0]
	for _, tag := range tags {
		if tag.ID != tagID {
			kept = append(kept, tag)
		}
	}
	return kept
}

func sortTodos(todos []store.Todo) {
	sort.SliceStable(todos, func(i, j int) bool {
		return todos[i].OrderIndex < todos[j].OrderIndex
	})
}
