package views

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apierrors "cbvkit/internal/errors"
)

// User is the resource served by the user views
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserStore keeps users in memory
type UserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
	now   func() time.Time
}

// NewUserStore creates an empty store
func NewUserStore() *UserStore {
	return &UserStore{
		users: make(map[uuid.UUID]User),
		now:   time.Now,
	}
}

// List returns users ordered by creation time. email filters by exact,
// case-insensitive match when non-empty.
func (s *UserStore) List(ctx context.Context, offset, limit int, email string) ([]User, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if email != "" && !strings.EqualFold(u.Email, email) {
			continue
		}
		all = append(all, u)
	}
	slices.SortFunc(all, func(a, b User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	total := len(all)
	if offset >= total {
		return []User{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total
}

// Get returns the user with id
func (s *UserStore) Get(ctx context.Context, id uuid.UUID) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, apierrors.NotFoundError("user")
	}
	return u, nil
}

// Create adds a user. Emails are unique.
func (s *UserStore) Create(ctx context.Context, name, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emailTaken(email, uuid.Nil) {
		return User{}, apierrors.ErrConflict
	}

	now := s.now().UTC()
	u := User{
		ID:        uuid.New(),
		Name:      name,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[u.ID] = u
	return u, nil
}

// Update changes the non-nil fields of the user with id
func (s *UserStore) Update(ctx context.Context, id uuid.UUID, name, email *string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, apierrors.NotFoundError("user")
	}
	if email != nil && s.emailTaken(*email, id) {
		return User{}, apierrors.ErrConflict
	}

	if name != nil {
		u.Name = *name
	}
	if email != nil {
		u.Email = *email
	}
	u.UpdatedAt = s.now().UTC()
	s.users[id] = u
	return u, nil
}

// Delete removes the user with id
func (s *UserStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return apierrors.NotFoundError("user")
	}
	delete(s.users, id)
	return nil
}

// Count returns the number of stored users
func (s *UserStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *UserStore) emailTaken(email string, except uuid.UUID) bool {
	for id, u := range s.users {
		if id != except && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}
