package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"taskline/api/internal/store"
)

type fakeUserStore struct {
	createUserFn     func(context.Context, string, string, string) (store.User, error)
	getUserByEmailFn func(context.Context, string) (store.User, error)
}

func (f *fakeUserStore) CreateUser(ctx context.Context, email, passwordHash, name string) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, email, passwordHash, name)
	}
	return store.User{ID: "user-1", Email: email, PasswordHash: passwordHash, Name: name}, nil
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) GetUserByID(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}

func TestRegisterNormalizesEmail(t *testing.T) {
	var gotEmail string
	service := NewService(&fakeUserStore{
		createUserFn: func(_ context.Context, email, hash, name string) (store.User, error) {
			gotEmail = email
			return store.User{ID: "user-1", Email: email, Name: name}, nil
		},
	})
	if _, err := service.Register(context.Background(), "Avery", "  Avery@Example.COM ", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if gotEmail != "avery@example.com" {
		t.Fatalf("email = %q, want normalized", gotEmail)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	service := NewService(&fakeUserStore{})
	if _, err := service.Register(context.Background(), "Avery", "avery@example.com", "short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestLoginVerifiesPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	service := NewService(&fakeUserStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "user-1", Email: "avery@example.com", PasswordHash: string(hash)}, nil
		},
	})

	if _, err := service.Login(context.Background(), "avery@example.com", "password123"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := service.Login(context.Background(), "avery@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	service := NewService(&fakeUserStore{})
	if _, err := service.Login(context.Background(), "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}
