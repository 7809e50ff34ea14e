package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), e.g. a duplicate (user_id, name) tag.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =============================================================================
// Users
// =============================================================================

func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, name)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, name, created_at
	`, email, passwordHash, name).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return User{}, err
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// =============================================================================
// Todos
// =============================================================================

const todoColumns = `id, user_id, category_id, title, description, priority, due_at, completed, order_index, created_at, updated_at`

func scanTodo(row interface{ Scan(...any) error }) (Todo, error) {
	var item Todo
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.CategoryID,
		&item.Title,
		&item.Description,
		&item.Priority,
		&item.DueAt,
		&item.Completed,
		&item.OrderIndex,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListTodos(ctx context.Context, userID string, filter TodoFilter) ([]Todo, error) {
	query := `SELECT DISTINCT t.id, t.user_id, t.category_id, t.title, t.description, t.priority, t.due_at, t.completed, t.order_index, t.created_at, t.updated_at FROM todos t`
	args := []any{userID}
	if filter.TagID != "" {
		query += ` JOIN todo_tags tt ON tt.todo_id = t.id`
	}
	query += ` WHERE t.user_id = $1`
	if filter.CategoryID != "" {
		args = append(args, filter.CategoryID)
		query += fmt.Sprintf(` AND t.category_id = $%d`, len(args))
	}
	if filter.TagID != "" {
		args = append(args, filter.TagID)
		query += fmt.Sprintf(` AND tt.tag_id = $%d`, len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		query += fmt.Sprintf(` AND t.priority = $%d`, len(args))
	}
	if filter.Completed != nil {
		args = append(args, *filter.Completed)
		query += fmt.Sprintf(` AND t.completed = $%d`, len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(` AND t.title ILIKE $%d`, len(args))
	}
	query += ` ORDER BY t.order_index ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	items := make([]Todo, 0)
	for rows.Next() {
		item, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	if err := s.attachTags(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachTags loads the tag sets for every todo in items in one query.
func (s *PostgresStore) attachTags(ctx context.Context, items []Todo) error {
	if len(items) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items))
	index := make(map[string]int, len(items))
	for i := range items {
		items[i].Tags = make([]Tag, 0)
		index[items[i].ID] = i
		args = append(args, items[i].ID)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf(`
		SELECT tt.todo_id, tg.id, tg.user_id, tg.name
		FROM todo_tags tt
		JOIN tags tg ON tg.id = tt.tag_id
		WHERE tt.todo_id IN (%s)
		ORDER BY tg.name
	`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("load todo tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var todoID string
		var tag Tag
		if err := rows.Scan(&todoID, &tag.ID, &tag.UserID, &tag.Name); err != nil {
			return fmt.Errorf("scan todo tag: %w", err)
		}
		if i, ok := index[todoID]; ok {
			items[i].Tags = append(items[i].Tags, tag)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate todo tags: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTodo(ctx context.Context, userID, todoID string) (Todo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+todoColumns+` FROM todos WHERE id=$1 AND user_id=$2
	`, todoID, userID)
	item, err := scanTodo(row)
	if err != nil {
		return Todo{}, err
	}
	items := []Todo{item}
	if err := s.attachTags(ctx, items); err != nil {
		return Todo{}, err
	}
	return items[0], nil
}

// MaxOrderIndex returns the highest order_index among the user's todos, or
// -1 when the user has none. Read-then-insert on this value races under
// concurrent creates for the same user; ties are accepted.
func (s *PostgresStore) MaxOrderIndex(ctx context.Context, userID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(order_index) FROM todos WHERE user_id=$1`, userID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max order index: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (s *PostgresStore) InsertTodo(ctx context.Context, item Todo, tagIDs []string) (Todo, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO todos (user_id, category_id, title, description, priority, due_at, order_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+todoColumns+`
	`, item.UserID, item.CategoryID, item.Title, item.Description, item.Priority, item.DueAt, item.OrderIndex)
	inserted, err := scanTodo(row)
	if err != nil {
		return Todo{}, fmt.Errorf("insert todo: %w", err)
	}
	if len(tagIDs) > 0 {
		if err := s.insertTodoTags(ctx, inserted.ID, item.UserID, tagIDs); err != nil {
			return Todo{}, err
		}
	}
	return s.GetTodo(ctx, item.UserID, inserted.ID)
}

// insertTodoTags associates tags with a todo, skipping ids the user does not
// own (ownership filter in the insert predicate).
func (s *PostgresStore) insertTodoTags(ctx context.Context, todoID, userID string, tagIDs []string) error {
	for _, tagID := range tagIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO todo_tags (todo_id, tag_id)
			SELECT $1, id FROM tags WHERE id=$2 AND user_id=$3
			ON CONFLICT DO NOTHING
		`, todoID, tagID, userID)
		if err != nil {
			return fmt.Errorf("insert todo tag: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateTodo(ctx context.Context, userID, todoID string, patch TodoPatch) (Todo, error) {
	sets := []string{"updated_at=NOW()"}
	args := []any{todoID, userID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.ClearDescription {
		sets = append(sets, "description=NULL")
	} else if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.ClearCategory {
		sets = append(sets, "category_id=NULL")
	} else if patch.CategoryID != nil {
		add("category_id", *patch.CategoryID)
	}
	if patch.ClearPriority {
		sets = append(sets, "priority=NULL")
	} else if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.ClearDueAt {
		sets = append(sets, "due_at=NULL")
	} else if patch.DueAt != nil {
		add("due_at", *patch.DueAt)
	}
	if patch.Completed != nil {
		add("completed", *patch.Completed)
	}

	query := fmt.Sprintf(`UPDATE todos SET %s WHERE id=$1 AND user_id=$2`, strings.Join(sets, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Todo{}, fmt.Errorf("update todo: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Todo{}, fmt.Errorf("update todo rows: %w", err)
	}
	if affected == 0 {
		return Todo{}, sql.ErrNoRows
	}

	if patch.ReplaceTags {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM todo_tags WHERE todo_id=$1`, todoID); err != nil {
			return Todo{}, fmt.Errorf("clear todo tags: %w", err)
		}
		if len(patch.TagIDs) > 0 {
			if err := s.insertTodoTags(ctx, todoID, userID, patch.TagIDs); err != nil {
				return Todo{}, err
			}
		}
	}
	return s.GetTodo(ctx, userID, todoID)
}

func (s *PostgresStore) DeleteTodo(ctx context.Context, userID, todoID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM todos WHERE id=$1 AND user_id=$2`, todoID, userID)
	if err != nil {
		return false, fmt.Errorf("delete todo: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete todo rows: %w", err)
	}
	return affected > 0, nil
}

// ReorderTodos applies every (id, order_index) pair inside one transaction.
// Pairs referencing todos the user does not own match zero rows and are
// skipped silently.
func (s *PostgresStore) ReorderTodos(ctx context.Context, userID string, pairs []OrderPair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, pair := range pairs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE todos SET order_index=$3, updated_at=NOW() WHERE id=$1 AND user_id=$2
		`, pair.ID, userID, pair.OrderIndex); err != nil {
			return fmt.Errorf("reorder todo %s: %w", pair.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder tx: %w", err)
	}
	return nil
}

// =============================================================================
// Categories
// =============================================================================

func (s *PostgresStore) ListCategories(ctx context.Context, userID string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, color FROM categories WHERE user_id=$1 ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.Color); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, userID, name, color string) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (user_id, name, color)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, name, color
	`, userID, name, color).Scan(&item.ID, &item.UserID, &item.Name, &item.Color)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, userID, categoryID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id=$1 AND user_id=$2`, categoryID, userID)
	if err != nil {
		return false, fmt.Errorf("delete category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete category rows: %w", err)
	}
	return affected > 0, nil
}

// =============================================================================
// Tags
// =============================================================================

func (s *PostgresStore) ListTags(ctx context.Context, userID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name FROM tags WHERE user_id=$1 ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

// InsertTag returns the raw driver error on a duplicate (user_id, name) so
// the caller can detect it with IsUniqueViolation.
func (s *PostgresStore) InsertTag(ctx context.Context, userID, name string) (Tag, error) {
	var item Tag
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (user_id, name)
		VALUES ($1, $2)
		RETURNING id, user_id, name
	`, userID, name).Scan(&item.ID, &item.UserID, &item.Name)
	if err != nil {
		if IsUniqueViolation(err) {
			return Tag{}, err
		}
		return Tag{}, fmt.Errorf("insert tag: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteTag(ctx context.Context, userID, tagID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id=$1 AND user_id=$2`, tagID, userID)
	if err != nil {
		return false, fmt.Errorf("delete tag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete tag rows: %w", err)
	}
	return affected > 0, nil
}
