// Package directory resolves approver identity tokens against the user table.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docflow/api/internal/store"
)

type userFinder interface {
	FindUserByToken(ctx context.Context, token string) (store.User, error)
}

type Resolver struct {
	users userFinder
}

func NewResolver(users userFinder) *Resolver {
	return &Resolver{users: users}
}

// Resolve maps a token (email, username or user id) to a user id. An unknown
// token resolves to the empty string without error; callers treat that as
// "not resolvable yet" rather than a failure.
func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	user, err := r.users.FindUserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("resolve %q: %w", token, err)
	}
	return user.ID, nil
}
