package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"taskline/api/internal/realtime"
	"taskline/api/internal/store"
)

type fakeTransport struct {
	createFn  func(context.Context, CreateTodo) error
	updateFn  func(context.Context, string, store.TodoPatch) (store.Todo, error)
	deleteFn  func(context.Context, string) error
	reorderFn func(context.Context, []store.OrderPair) error
}

func (f *fakeTransport) CreateTodo(ctx context.Context, input CreateTodo) error {
	if f.createFn != nil {
		return f.createFn(ctx, input)
	}
	return nil
}

func (f *fakeTransport) UpdateTodo(ctx context.Context, todoID string, patch store.TodoPatch) (store.Todo, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, todoID, patch)
	}
	return store.Todo{}, nil
}

func (f *fakeTransport) DeleteTodo(ctx context.Context, todoID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, todoID)
	}
	return nil
}

func (f *fakeTransport) ReorderTodos(ctx context.Context, pairs []store.OrderPair) error {
	if f.reorderFn != nil {
		return f.reorderFn(ctx, pairs)
	}
	return nil
}

func mustApply(t *testing.T, s *Store, eventType realtime.EventType, payload any) {
	t.Helper()
	event, err := realtime.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := s.Apply(event); err != nil {
		t.Fatalf("Apply(%s): %v", eventType, err)
	}
}

func todoTitles(todos []store.Todo) []string {
	titles := make([]string, len(todos))
	for i, item := range todos {
		titles[i] = item.Title
	}
	return titles
}

func TestRequestCreateWaitsForEcho(t *testing.T) {
	s := NewStore(&fakeTransport{})
	if err := s.RequestCreate(context.Background(), CreateTodo{Title: "Buy milk"}); err != nil {
		t.Fatalf("RequestCreate() error = %v", err)
	}
	if got := s.Todos(); len(got) != 0 {
		t.Fatalf("todos = %+v, replica must stay empty until the created event arrives", got)
	}

	mustApply(t, s, realtime.EventTodoCreated, store.Todo{ID: "todo-1", Title: "Buy milk", OrderIndex: 0})
	if got := s.Todos(); len(got) != 1 || got[0].ID != "todo-1" {
		t.Fatalf("todos = %+v, want the broadcast todo", got)
	}
}

func TestApplyCreatedTwiceIsIdempotent(t *testing.T) {
	s := NewStore(&fakeTransport{})
	item := store.Todo{ID: "todo-1", Title: "Buy milk"}
	mustApply(t, s, realtime.EventTodoCreated, item)
	mustApply(t, s, realtime.EventTodoCreated, item)
	if got := s.Todos(); len(got) != 1 {
		t.Fatalf("todos = %+v, want exactly one", got)
	}
}

func TestRequestUpdateRevertsSnapshotOnFailure(t *testing.T) {
	s := NewStore(&fakeTransport{
		updateFn: func(context.Context, string, store.TodoPatch) (store.Todo, error) {
			return store.Todo{}, errors.New("server rejected")
		},
	})
	s.SetTodos([]store.Todo{
		{ID: "todo-1", Title: "First", OrderIndex: 0},
		{ID: "todo-2", Title: "Second", OrderIndex: 1},
	})
	before := s.Todos()

	title := "Renamed"
	err := s.RequestUpdate(context.Background(), "todo-1", store.TodoPatch{Title: &title})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if got := s.Todos(); !reflect.DeepEqual(got, before) {
		t.Fatalf("todos = %+v, want verbatim pre-mutation snapshot %+v", got, before)
	}
}

func TestRequestUpdateAppliesOptimisticallyThenCanonical(t *testing.T) {
	s := NewStore(&fakeTransport{
		updateFn: func(_ context.Context, todoID string, patch store.TodoPatch) (store.Todo, error) {
			// The server applies the patch and bumps its own fields.
			return store.Todo{ID: todoID, Title: "First", Completed: *patch.Completed, OrderIndex: 0}, nil
		},
	})
	s.SetTodos([]store.Todo{{ID: "todo-1", Title: "First", OrderIndex: 0}})

	completed := true
	if err := s.RequestUpdate(context.Background(), "todo-1", store.TodoPatch{Completed: &completed}); err != nil {
		t.Fatalf("RequestUpdate() error = %v", err)
	}
	got := s.Todos()
	if len(got) != 1 || !got[0].Completed {
		t.Fatalf("todos = %+v, want the canonical completed record", got)
	}
}

func TestRequestDeleteRevertsSnapshotOnFailure(t *testing.T) {
	s := NewStore(&fakeTransport{
		deleteFn: func(context.Context, string) error { return errors.New("server rejected") },
	})
	s.SetTodos([]store.Todo{
		{ID: "todo-1", Title: "First", OrderIndex: 0},
		{ID: "todo-2", Title: "Second", OrderIndex: 1},
	})
	before := s.Todos()

	if err := s.RequestDelete(context.Background(), "todo-2"); err == nil {
		t.Fatal("expected transport error")
	}
	if got := s.Todos(); !reflect.DeepEqual(got, before) {
		t.Fatalf("todos = %+v, want snapshot restored", got)
	}
}

func TestRequestMoveReindexesAndHasNoRollback(t *testing.T) {
	var submitted []store.OrderPair
	s := NewStore(&fakeTransport{
		reorderFn: func(_ context.Context, pairs []store.OrderPair) error {
			submitted = pairs
			return errors.New("server rejected")
		},
	})
	s.SetTodos([]store.Todo{
		{ID: "todo-1", Title: "T1", OrderIndex: 0},
		{ID: "todo-2", Title: "T2", OrderIndex: 1},
		{ID: "todo-3", Title: "T3", OrderIndex: 2},
	})

	if err := s.RequestMove(context.Background(), "todo-3", "todo-1"); err == nil {
		t.Fatal("expected transport error")
	}

	// The move sticks even though the server rejected it.
	got := s.Todos()
	if want := []string{"T3", "T1", "T2"}; !reflect.DeepEqual(todoTitles(got), want) {
		t.Fatalf("order = %v, want %v", todoTitles(got), want)
	}
	for i, item := range got {
		if item.OrderIndex != i {
			t.Errorf("todo %s index = %d, want contiguous %d", item.ID, item.OrderIndex, i)
		}
	}
	if len(submitted) != 3 || submitted[0].ID != "todo-3" || submitted[0].OrderIndex != 0 {
		t.Errorf("submitted = %+v, want reindexed pairs", submitted)
	}
}

func TestApplyReorderedSortsByIndex(t *testing.T) {
	s := NewStore(&fakeTransport{})
	s.SetTodos([]store.Todo{
		{ID: "todo-1", Title: "T1", OrderIndex: 0},
		{ID: "todo-2", Title: "T2", OrderIndex: 1},
		{ID: "todo-3", Title: "T3", OrderIndex: 2},
	})

	mustApply(t, s, realtime.EventTodosReordered, realtime.ReorderedPayload{Items: []store.OrderPair{
		{ID: "todo-3", OrderIndex: 0},
		{ID: "todo-1", OrderIndex: 1},
		{ID: "todo-2", OrderIndex: 2},
	}})

	if got := todoTitles(s.Todos()); !reflect.DeepEqual(got, []string{"T3", "T1", "T2"}) {
		t.Fatalf("order = %v, want [T3 T1 T2]", got)
	}
}

func TestApplyUpdatedUnknownIsNoop(t *testing.T) {
	s := NewStore(&fakeTransport{})
	mustApply(t, s, realtime.EventTodoUpdated, store.Todo{ID: "todo-ghost", Title: "Ghost"})
	if got := s.Todos(); len(got) != 0 {
		t.Fatalf("todos = %+v, update for an unknown id must not insert", got)
	}
}

func TestApplyUpdatedDoesNotResurrectDeleted(t *testing.T) {
	s := NewStore(&fakeTransport{})
	item := store.Todo{ID: "todo-1", Title: "T1", OrderIndex: 0}
	mustApply(t, s, realtime.EventTodoCreated, item)
	mustApply(t, s, realtime.EventTodoDeleted, realtime.DeletedPayload{ID: "todo-1"})

	// Stale duplicated update echo arrives after the delete.
	item.Title = "T1 renamed"
	mustApply(t, s, realtime.EventTodoUpdated, item)
	if got := s.Todos(); len(got) != 0 {
		t.Fatalf("todos = %+v, stale update must not resurrect a deleted todo", got)
	}
}

func TestApplyUpdatedReplacesKnownTodo(t *testing.T) {
	s := NewStore(&fakeTransport{})
	s.SetTodos([]store.Todo{{ID: "todo-1", Title: "Old", OrderIndex: 0}})
	mustApply(t, s, realtime.EventTodoUpdated, store.Todo{ID: "todo-1", Title: "New", OrderIndex: 0})
	if got := s.Todos(); len(got) != 1 || got[0].Title != "New" {
		t.Fatalf("todos = %+v, want the replaced record", got)
	}
}

func TestApplyDeletedUnknownIsNoop(t *testing.T) {
	s := NewStore(&fakeTransport{})
	s.SetTodos([]store.Todo{{ID: "todo-1", Title: "T1"}})
	mustApply(t, s, realtime.EventTodoDeleted, realtime.DeletedPayload{ID: "todo-ghost"})
	if got := s.Todos(); len(got) != 1 {
		t.Fatalf("todos = %+v, want untouched", got)
	}
}

func TestApplyUnknownEventType(t *testing.T) {
	s := NewStore(&fakeTransport{})
	err := s.Apply(realtime.Event{Type: "todo.exploded", Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestApplyCategoryDeletedClearsReferences(t *testing.T) {
	s := NewStore(&fakeTransport{})
	categoryID := "cat-1"
	s.SetCategories([]store.Category{{ID: categoryID, Name: "Work"}})
	s.SetTodos([]store.Todo{{ID: "todo-1", Title: "T1", CategoryID: &categoryID}})

	mustApply(t, s, realtime.EventCategoryDeleted, realtime.DeletedPayload{ID: categoryID})

	if got := s.Categories(); len(got) != 0 {
		t.Fatalf("categories = %+v, want empty", got)
	}
	if got := s.Todos(); got[0].CategoryID != nil {
		t.Fatal("todo still references the deleted category")
	}
}

func TestApplyTagDeletedStripsTodoTags(t *testing.T) {
	s := NewStore(&fakeTransport{})
	s.SetTags([]store.Tag{{ID: "tag-1", Name: "urgent"}, {ID: "tag-2", Name: "home"}})
	s.SetTodos([]store.Todo{{
		ID:    "todo-1",
		Title: "T1",
		Tags:  []store.Tag{{ID: "tag-1", Name: "urgent"}, {ID: "tag-2", Name: "home"}},
	}})

	mustApply(t, s, realtime.EventTagDeleted, realtime.DeletedPayload{ID: "tag-1"})

	if got := s.Tags(); len(got) != 1 || got[0].ID != "tag-2" {
		t.Fatalf("tags = %+v, want only tag-2", got)
	}
	if got := s.Todos(); len(got[0].Tags) != 1 || got[0].Tags[0].ID != "tag-2" {
		t.Fatalf("todo tags = %+v, want only tag-2", got[0].Tags)
	}
}

// =============================================================================
// Cross-session convergence through a real hub
// =============================================================================

// hubServer is a minimal in-memory server: it owns canonical todo state,
// implements Transport, and broadcasts events through a real Hub the same
// way the service layer does.
type hubServer struct {
	hub       *realtime.Hub
	accountID string
	todos     map[string]store.Todo
	nextID    int
	nextOrder int
}

func newHubServer(hub *realtime.Hub, accountID string) *hubServer {
	return &hubServer{hub: hub, accountID: accountID, todos: make(map[string]store.Todo)}
}

func (h *hubServer) publish(t *testing.T, eventType realtime.EventType, payload any) {
	t.Helper()
	event, err := realtime.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	h.hub.Publish(h.accountID, event)
}

func (h *hubServer) transport(t *testing.T) Transport {
	return &fakeTransport{
		createFn: func(_ context.Context, input CreateTodo) error {
			h.nextID++
			item := store.Todo{
				ID:         fmt.Sprintf("todo-%d", h.nextID),
				Title:      input.Title,
				OrderIndex: h.nextOrder,
			}
			h.nextOrder++
			h.todos[item.ID] = item
			h.publish(t, realtime.EventTodoCreated, item)
			return nil
		},
		deleteFn: func(_ context.Context, todoID string) error {
			delete(h.todos, todoID)
			h.publish(t, realtime.EventTodoDeleted, realtime.DeletedPayload{ID: todoID})
			return nil
		},
		reorderFn: func(_ context.Context, pairs []store.OrderPair) error {
			for _, pair := range pairs {
				if item, ok := h.todos[pair.ID]; ok {
					item.OrderIndex = pair.OrderIndex
					h.todos[pair.ID] = item
				}
			}
			h.publish(t, realtime.EventTodosReordered, realtime.ReorderedPayload{Items: pairs})
			return nil
		},
	}
}

func drain(t *testing.T, sub *realtime.Subscription, s *Store, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case event := <-sub.Events():
			if err := s.Apply(event); err != nil {
				t.Fatalf("Apply: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, count)
		}
	}
}

func TestTwoSessionsConverge(t *testing.T) {
	hub := realtime.NewHub()
	server := newHubServer(hub, "acct-1")

	subA := hub.Bind("acct-1")
	subB := hub.Bind("acct-1")
	defer subA.Close()
	defer subB.Close()

	storeA := NewStore(server.transport(t))
	storeB := NewStore(server.transport(t))
	ctx := context.Background()

	for _, title := range []string{"T1", "T2", "T3"} {
		if err := storeA.RequestCreate(ctx, CreateTodo{Title: title}); err != nil {
			t.Fatalf("RequestCreate(%s): %v", title, err)
		}
	}
	drain(t, subA, storeA, 3)
	drain(t, subB, storeB, 3)

	// B drags the last todo to the top; everyone converges on the new order.
	todosB := storeB.Todos()
	if err := storeB.RequestMove(ctx, todosB[2].ID, todosB[0].ID); err != nil {
		t.Fatalf("RequestMove: %v", err)
	}
	drain(t, subA, storeA, 1)
	drain(t, subB, storeB, 1)

	wantOrder := []string{"T3", "T1", "T2"}
	if got := todoTitles(storeA.Todos()); !reflect.DeepEqual(got, wantOrder) {
		t.Fatalf("store A order = %v, want %v", got, wantOrder)
	}

	// A deletes one; B follows.
	victim := storeA.Todos()[1].ID
	if err := storeA.RequestDelete(ctx, victim); err != nil {
		t.Fatalf("RequestDelete: %v", err)
	}
	drain(t, subA, storeA, 1)
	drain(t, subB, storeB, 1)

	if !reflect.DeepEqual(storeA.Todos(), storeB.Todos()) {
		t.Fatalf("replicas diverged:\nA = %+v\nB = %+v", storeA.Todos(), storeB.Todos())
	}
	if got := todoTitles(storeA.Todos()); !reflect.DeepEqual(got, []string{"T3", "T2"}) {
		t.Fatalf("final order = %v, want [T3 T2]", got)
	}
}
