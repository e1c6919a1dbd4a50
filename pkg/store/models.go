package store

import (
	"context"
	"time"
)

// User is a row of the users table.
type User struct {
	ID                      int64     `db:"id" json:"id"`
	Username                string    `db:"username" json:"username"`
	Email                   string    `db:"email" json:"email"`
	RegistrationDate        time.Time `db:"registration_date" json:"registration_date"`
	UpdatedRegistrationDate time.Time `db:"updated_registration_date" json:"updated_registration_date"`
}

// UserUpdate carries a partial update, nil fields are left unchanged.
type UserUpdate struct {
	Username *string
	Email    *string
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Username == nil && u.Email == nil
}

// Repository is the set of user operations served by Store and by the
// caching decorator in pkg/cache.
type Repository interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context, page, perPage int) ([]User, error)
	CountUsers(ctx context.Context) (int64, error)
	CountUsersSince(ctx context.Context, since time.Time) (int64, error)
	ListUsersByUsernameLength(ctx context.Context, page, perPage int) ([]User, error)
	EmailDomainRatio(ctx context.Context, domain string) (float64, error)
	CreateUser(ctx context.Context, username, email string) (*User, error)
	UpdateUser(ctx context.Context, id int64, update UserUpdate) (*User, error)
	DeleteUser(ctx context.Context, id int64) (*User, error)
}
