package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Better Auth table shapes. The external auth system owns this schema;
// we only read it, so there is no migration here and the column names
// keep its camelCase convention.

type sessionRow struct {
	Token     string    `gorm:"column:token"`
	UserID    string    `gorm:"column:userId"`
	ExpiresAt time.Time `gorm:"column:expiresAt"`
}

func (sessionRow) TableName() string { return "session" }

type userRow struct {
	ID            string `gorm:"column:id"`
	Email         string `gorm:"column:email"`
	Name          string `gorm:"column:name"`
	Plan          string `gorm:"column:plan"`
	Role          string `gorm:"column:role"`
	EmailVerified bool   `gorm:"column:emailVerified"`
}

func (userRow) TableName() string { return "user" }

// DB validates sessions and resolves users by reading the external auth
// system's database directly.
type DB struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDB creates a validator over the shared auth database.
func NewDB(db *gorm.DB) *DB {
	return &DB{db: db, now: time.Now}
}

// ValidateSession looks up a session token, checks expiry, and returns
// the user. Unknown and expired sessions both return (nil, nil).
func (d *DB) ValidateSession(ctx context.Context, token string) (*User, error) {
	var session sessionRow
	err := d.db.WithContext(ctx).Where("token = ?", token).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	if d.now().UTC().After(session.ExpiresAt) {
		return nil, nil
	}
	return d.GetUser(ctx, session.UserID)
}

// GetUser fetches a user by id. Plan defaults to free and role to user
// when the auth system left them unset.
func (d *DB) GetUser(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	user := &User{
		ID:            row.ID,
		Email:         row.Email,
		Name:          row.Name,
		Plan:          row.Plan,
		Role:          row.Role,
		EmailVerified: row.EmailVerified,
	}
	if user.Plan == "" {
		user.Plan = "free"
	}
	if user.Role == "" {
		user.Role = "user"
	}
	return user, nil
}
