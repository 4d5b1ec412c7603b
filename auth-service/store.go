package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/lib/pq"
)

var (
	errUserNotFound = errors.New("user not found")
	errEmailTaken   = errors.New("email already used")
)

type user struct {
	UID          string
	Email        string
	Username     string
	PasswordHash string
	Sex          string
	Age          int
	PreferredAge string
	PreferredSex string
	AvatarCode   int
	AccessToken  string
	RefreshToken string
}

// userStore is the persistence surface the HTTP layer needs.
type userStore interface {
	CreateUser(ctx context.Context, u user) error
	UserByEmail(ctx context.Context, email string) (user, error)
	UserByUID(ctx context.Context, uid string) (user, error)
	SetTokens(ctx context.Context, uid, access, refresh string) error
	SetAccessToken(ctx context.Context, uid, access string) error
	UIDExists(ctx context.Context, uid string) (bool, error)
}

type sqlUsers struct {
	db *sql.DB
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
    uid text PRIMARY KEY,
    email text UNIQUE NOT NULL,
    username text NOT NULL,
    password_hash text NOT NULL,
    sex text NOT NULL,
    age int NOT NULL,
    preferred_age text NOT NULL,
    preferred_sex text NOT NULL,
    avatar_code int NOT NULL,
    access_token text,
    refresh_token text
);
`

func (s *sqlUsers) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usersSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *sqlUsers) CreateUser(ctx context.Context, u user) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (uid, email, username, password_hash, sex, age, preferred_age, preferred_sex, avatar_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.UID, u.Email, u.Username, u.PasswordHash, u.Sex, u.Age, u.PreferredAge, u.PreferredSex, u.AvatarCode)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return errEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `uid, email, username, password_hash, sex, age, preferred_age, preferred_sex,
	avatar_code, COALESCE(access_token, ''), COALESCE(refresh_token, '')`

func (s *sqlUsers) scanUser(row *sql.Row) (user, error) {
	var u user
	err := row.Scan(&u.UID, &u.Email, &u.Username, &u.PasswordHash, &u.Sex, &u.Age,
		&u.PreferredAge, &u.PreferredSex, &u.AvatarCode, &u.AccessToken, &u.RefreshToken)
	if err == sql.ErrNoRows {
		return user{}, errUserNotFound
	}
	if err != nil {
		return user{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *sqlUsers) UserByEmail(ctx context.Context, email string) (user, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *sqlUsers) UserByUID(ctx context.Context, uid string) (user, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uid = $1`, uid))
}

func (s *sqlUsers) SetTokens(ctx context.Context, uid, access, refresh string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = $2, refresh_token = $3 WHERE uid = $1`, uid, access, refresh)
	if err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	return nil
}

func (s *sqlUsers) SetAccessToken(ctx context.Context, uid, access string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = $2 WHERE uid = $1`, uid, access)
	if err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

func (s *sqlUsers) UIDExists(ctx context.Context, uid string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE uid = $1)`, uid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check uid: %w", err)
	}
	return exists, nil
}

// newUID draws 12-digit uids until one is free.
func newUID(ctx context.Context, store userStore) (string, error) {
	for {
		var b strings.Builder
		for i := 0; i < 12; i++ {
			b.WriteByte(byte('0' + rand.IntN(10)))
		}
		uid := b.String()
		exists, err := store.UIDExists(ctx, uid)
		if err != nil {
			return "", err
		}
		if !exists {
			return uid, nil
		}
	}
}
