package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"taskline/api/internal/auth"
	"taskline/api/internal/authpw"
	"taskline/api/internal/config"
	"taskline/api/internal/realtime"
	"taskline/api/internal/session"
	"taskline/api/internal/store"
	"taskline/api/internal/util"
)

// Session is an authenticated caller resolved from an access token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	ExpiresAt    time.Time
}

// dataStore is the slice of the durable store the service uses. The store is
// the only writer of canonical state; every method is scoped by user id.
type dataStore interface {
	ListTodos(ctx context.Context, userID string, filter store.TodoFilter) ([]store.Todo, error)
	GetTodo(ctx context.Context, userID, todoID string) (store.Todo, error)
	MaxOrderIndex(ctx context.Context, userID string) (int, error)
	InsertTodo(ctx context.Context, item store.Todo, tagIDs []string) (store.Todo, error)
	UpdateTodo(ctx context.Context, userID, todoID string, patch store.TodoPatch) (store.Todo, error)
	DeleteTodo(ctx context.Context, userID, todoID string) (bool, error)
	ReorderTodos(ctx context.Context, userID string, pairs []store.OrderPair) error

	ListCategories(ctx context.Context, userID string) ([]store.Category, error)
	InsertCategory(ctx context.Context, userID, name, color string) (store.Category, error)
	DeleteCategory(ctx context.Context, userID, categoryID string) (bool, error)

	ListTags(ctx context.Context, userID string) ([]store.Tag, error)
	InsertTag(ctx context.Context, userID, name string) (store.Tag, error)
	DeleteTag(ctx context.Context, userID, tagID string) (bool, error)

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Ping(ctx context.Context) error
}

// publisher fans an event out to every connection bound to the account's
// channel, including the originator. It never returns an error: fanout is
// best-effort and must not abort a committed mutation.
type publisher interface {
	Publish(accountID string, event realtime.Event)
}

// refreshStore holds refresh tokens between logins.
type refreshStore interface {
	Save(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (string, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	authpw   *authpw.Service
	sessions refreshStore
	events   publisher
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, hub *realtime.Hub) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		authpw:   authpw.NewService(dataStore),
		sessions: sessions,
		events:   hub,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish wraps the payload in an envelope and hands it to the fanout. A
// marshal failure is logged and swallowed: by this point the durable write
// has committed and the mutation must still succeed.
func (s *Service) publish(accountID string, eventType realtime.EventType, payload any) {
	event, err := realtime.NewEvent(eventType, payload)
	if err != nil {
		log.Printf("publish %s: %v", eventType, err)
		return
	}
	s.events.Publish(accountID, event)
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Service) Register(ctx context.Context, name, email, password string) (Session, error) {
	user, err := s.authpw.Register(ctx, name, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailInUse) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_IN_USE", "Email already in use")
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.Login(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid")
	}
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, user.Email, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		UserName:  claims.Name,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Me(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// =============================================================================
// Todos
// =============================================================================

type CreateTodoInput struct {
	Title       string
	Description *string
	CategoryID  *string
	Priority    *string
	DueAt       *time.Time
	TagIDs      []string
}

func (s *Service) ListTodos(ctx context.Context, accountID string, filter store.TodoFilter) ([]store.Todo, error) {
	return s.store.ListTodos(ctx, accountID, filter)
}

func (s *Service) GetTodo(ctx context.Context, accountID, todoID string) (store.Todo, error) {
	return s.store.GetTodo(ctx, accountID, todoID)
}

// CreateTodo appends the new todo after the account's current maximum
// order_index. The max read and the insert are not serialized against
// concurrent creates for the same account, so two racing creates can tie on
// order_index; the tie is accepted and resolved only by a later reorder.
func (s *Service) CreateTodo(ctx context.Context, accountID string, input CreateTodoInput) (store.Todo, error) {
	maxIndex, err := s.store.MaxOrderIndex(ctx, accountID)
	if err != nil {
		return store.Todo{}, err
	}
	item, err := s.store.InsertTodo(ctx, store.Todo{
		UserID:      accountID,
		CategoryID:  input.CategoryID,
		Title:       input.Title,
		Description: input.Description,
		Priority:    input.Priority,
		DueAt:       input.DueAt,
		OrderIndex:  maxIndex + 1,
	}, input.TagIDs)
	if err != nil {
		return store.Todo{}, err
	}
	s.publish(accountID, realtime.EventTodoCreated, item)
	return item, nil
}

func (s *Service) UpdateTodo(ctx context.Context, accountID, todoID string, patch store.TodoPatch) (store.Todo, error) {
	item, err := s.store.UpdateTodo(ctx, accountID, todoID, patch)
	if err != nil {
		return store.Todo{}, err
	}
	s.publish(accountID, realtime.EventTodoUpdated, item)
	return item, nil
}

func (s *Service) DeleteTodo(ctx context.Context, accountID, todoID string) error {
	deleted, err := s.store.DeleteTodo(ctx, accountID, todoID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	s.publish(accountID, realtime.EventTodoDeleted, realtime.DeletedPayload{ID: todoID})
	return nil
}

// ReorderTodos applies the submitted pairs in one transaction and broadcasts
// the same list it was given. Unlike update/delete there is no client-side
// rollback path: once the transaction commits the new order stands.
func (s *Service) ReorderTodos(ctx context.Context, accountID string, pairs []store.OrderPair) error {
	if len(pairs) == 0 {
		return nil
	}
	if err := s.store.ReorderTodos(ctx, accountID, pairs); err != nil {
		return err
	}
	s.publish(accountID, realtime.EventTodosReordered, realtime.ReorderedPayload{Items: pairs})
	return nil
}

// =============================================================================
// Categories
// =============================================================================

func (s *Service) ListCategories(ctx context.Context, accountID string) ([]store.Category, error) {
	return s.store.ListCategories(ctx, accountID)
}

func (s *Service) CreateCategory(ctx context.Context, accountID, name, color string) (store.Category, error) {
	item, err := s.store.InsertCategory(ctx, accountID, name, color)
	if err != nil {
		return store.Category{}, err
	}
	s.publish(accountID, realtime.EventCategoryCreated, item)
	return item, nil
}

// DeleteCategory removes the category; todos that referenced it become
// uncategorized via the schema's ON DELETE SET NULL.
func (s *Service) DeleteCategory(ctx context.Context, accountID, categoryID string) error {
	deleted, err := s.store.DeleteCategory(ctx, accountID, categoryID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	s.publish(accountID, realtime.EventCategoryDeleted, realtime.DeletedPayload{ID: categoryID})
	return nil
}

// =============================================================================
// Tags
// =============================================================================

func (s *Service) ListTags(ctx context.Context, accountID string) ([]store.Tag, error) {
	return s.store.ListTags(ctx, accountID)
}

// CreateTag normalizes the name (lowercase, trimmed) and surfaces a typed
// conflict when it collides with an existing tag of the same account.
func (s *Service) CreateTag(ctx context.Context, accountID, name string) (store.Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	item, err := s.store.InsertTag(ctx, accountID, name)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Tag{}, domainError(http.StatusConflict, "TAG_EXISTS", "Tag already exists")
		}
		return store.Tag{}, err
	}
	s.publish(accountID, realtime.EventTagCreated, item)
	return item, nil
}

func (s *Service) DeleteTag(ctx context.Context, accountID, tagID string) error {
	deleted, err := s.store.DeleteTag(ctx, accountID, tagID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	s.publish(accountID, realtime.EventTagDeleted, realtime.DeletedPayload{ID: tagID})
	return nil
}
