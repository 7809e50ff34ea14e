package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"taskline/api/internal/store"
)

// HTTPTransport talks to the server's REST surface with a bearer token.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{BaseURL: baseURL, Token: token, Client: http.DefaultClient}
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (t *HTTPTransport) CreateTodo(ctx context.Context, input CreateTodo) error {
	body := map[string]any{"title": input.Title}
	if input.Description != nil {
		body["description"] = *input.Description
	}
	if input.CategoryID != nil {
		body["category_id"] = *input.CategoryID
	}
	if input.Priority != nil {
		body["priority"] = *input.Priority
	}
	if len(input.TagIDs) > 0 {
		body["tag_ids"] = input.TagIDs
	}
	return t.do(ctx, http.MethodPost, "/api/todos", body, nil)
}

func (t *HTTPTransport) UpdateTodo(ctx context.Context, todoID string, patch store.TodoPatch) (store.Todo, error) {
	var item store.Todo
	if err := t.do(ctx, http.MethodPatch, "/api/todos/"+todoID, patchBody(patch), &item); err != nil {
		return store.Todo{}, err
	}
	return item, nil
}

func (t *HTTPTransport) DeleteTodo(ctx context.Context, todoID string) error {
	return t.do(ctx, http.MethodDelete, "/api/todos/"+todoID, nil, nil)
}

func (t *HTTPTransport) ReorderTodos(ctx context.Context, pairs []store.OrderPair) error {
	return t.do(ctx, http.MethodPatch, "/api/todos/reorder", map[string]any{"items": pairs}, nil)
}

func (t *HTTPTransport) FetchTodos(ctx context.Context) ([]store.Todo, error) {
	var items []store.Todo
	if err := t.do(ctx, http.MethodGet, "/api/todos", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (t *HTTPTransport) FetchCategories(ctx context.Context) ([]store.Category, error) {
	var items []store.Category
	if err := t.do(ctx, http.MethodGet, "/api/categories", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (t *HTTPTransport) FetchTags(ctx context.Context) ([]store.Tag, error) {
	var items []store.Tag
	if err := t.do(ctx, http.MethodGet, "/api/tags", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Refresh replaces all three collections in one go, suitable as a
// Listener.OnConnect hook.
func (t *HTTPTransport) Refresh(localStore *Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		todos, err := t.FetchTodos(ctx)
		if err != nil {
			return err
		}
		categories, err := t.FetchCategories(ctx)
		if err != nil {
			return err
		}
		tags, err := t.FetchTags(ctx)
		if err != nil {
			return err
		}
		localStore.SetTodos(todos)
		localStore.SetCategories(categories)
		localStore.SetTags(tags)
		return nil
	}
}

// patchBody serializes a patch so that cleared fields travel as explicit
// nulls and untouched fields are absent.
func patchBody(patch store.TodoPatch) map[string]any {
	body := map[string]any{}
	if patch.Title != nil {
		body["title"] = *patch.Title
	}
	if patch.ClearDescription {
		body["description"] = nil
	} else if patch.Description != nil {
		body["description"] = *patch.Description
	}
	if patch.ClearCategory {
		body["category_id"] = nil
	} else if patch.CategoryID != nil {
		body["category_id"] = *patch.CategoryID
	}
	if patch.ClearPriority {
		body["priority"] = nil
	} else if patch.Priority != nil {
		body["priority"] = *patch.Priority
	}
	if patch.ClearDueAt {
		body["due_at"] = nil
	} else if patch.DueAt != nil {
		body["due_at"] = *patch.DueAt
	}
	if patch.Completed != nil {
		body["completed"] = *patch.Completed
	}
	if patch.ReplaceTags {
		body["tag_ids"] = patch.TagIDs
	}
	return body
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body any, target any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.Token)

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Error
		}
		return apiErr
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
