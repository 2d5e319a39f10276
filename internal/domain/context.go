package domain

import "context"

type ctxKey string

const userCtxKey ctxKey = "user"

// User is the caller behind a request. Anonymous users have an empty ID.
type User struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Authenticated reports whether the user was identified.
func (u User) Authenticated() bool { return u.ID != "" }

// ContextWithUser returns a new context carrying the request's user.
func ContextWithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userCtxKey, u)
}

// UserFromContext extracts the user from the context.
// Returns the zero (anonymous) user if not set.
func UserFromContext(ctx context.Context) User {
	if v, ok := ctx.Value(userCtxKey).(User); ok {
		return v
	}
	return User{}
}
