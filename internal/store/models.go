package store

import "time"

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
}

type Category struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

type Tag struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type Todo struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	CategoryID  *string    `json:"category_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	DueAt       *time.Time `json:"due_at"`
	Completed   bool       `json:"completed"`
	OrderIndex  int        `json:"order_index"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Tags        []Tag      `json:"tags"`
}

// TodoPatch carries a partial update. A nil pointer leaves the field
// untouched; Clear* flips the matching optional column back to NULL.
type TodoPatch struct {
	Title            *string
	Description      *string
	ClearDescription bool
	CategoryID       *string
	ClearCategory    bool
	Priority         *string
	ClearPriority    bool
	DueAt            *time.Time
	ClearDueAt       bool
	Completed        *bool
	TagIDs           []string
	ReplaceTags      bool
}

// TodoFilter narrows ListTodos. Zero values mean no filter.
type TodoFilter struct {
	CategoryID string
	TagID      string
	Priority   string
	Completed  *bool
	Search     string
}

// OrderPair is one (id, order_index) assignment in a reorder request.
type OrderPair struct {
	ID         string `json:"id"`
	OrderIndex int    `json:"order_index"`
}
