package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// User is a read-only view of the accounts table. Accounts are managed elsewhere;
// the node only resolves ids, display names and friend codes.
type User struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(255)" json:"id"`
	Name      string    `gorm:"column:name;type:varchar(255)" json:"name"`
	Email     string    `gorm:"column:email;type:varchar(255)" json:"email,omitempty"`
	Code      string    `gorm:"column:code;type:varchar(32);uniqueIndex" json:"code"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// DisplayName returns the user's name, or the id when no name is set.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name == "" {
		return u.ID
	}
	return u.Name
}

// UserDirectory resolves participants by id or by friend code.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByCode(ctx context.Context, code string) (*User, error)
}

type DBUserDirectory struct {
	db *gorm.DB
}

func NewDBUserDirectory(db *gorm.DB) *DBUserDirectory {
	return &DBUserDirectory{db: db}
}

func (d *DBUserDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByCode matches friend codes case-insensitively.
func (d *DBUserDirectory) GetUserByCode(ctx context.Context, code string) (*User, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrUserNotFound
	}

	var user User
	if err := d.db.WithContext(ctx).Where("UPPER(code) = ?", code).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// displayName resolves a label for the user without failing: unknown users are
// shown by id.
func displayName(ctx context.Context, users UserDirectory, userID string) string {
	if users == nil {
		return userID
	}
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	return user.DisplayName()
}
