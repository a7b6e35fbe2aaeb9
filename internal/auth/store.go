package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// UserStore is the collaborator that owns identities. The auth core reads
// and mutates users only through it.
type UserStore interface {
	GetByID(ctx context.Context, id string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, user User) (User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	Activate(ctx context.Context, id string) error
	UpdateRoles(ctx context.Context, id string, roles []string) (User, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, limit, offset int) ([]User, error)
	// UpsertAdmin creates the user or, when the email exists, resets its
	// password and grants the admin role.
	UpsertAdmin(ctx context.Context, user User) (User, error)
}

// MemoryUserStore backs the memory state backend and tests.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryUserStore) WithClock(now func() time.Time) *MemoryUserStore {
	s.now = now
	return s
}

func (s *MemoryUserStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *MemoryUserStore) GetByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *MemoryUserStore) Create(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, exists := s.byEmail[email]; exists {
		return User{}, ErrEmailTaken
	}

	now := s.now().UTC()
	user.Email = email
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	user = cloneUser(user)
	s.byID[user.ID] = user
	s.byEmail[email] = user.ID
	return cloneUser(user), nil
}

func (s *MemoryUserStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.mutate(id, func(u *User) {
		u.PasswordHash = passwordHash
	})
}

func (s *MemoryUserStore) Activate(_ context.Context, id string) error {
	return s.mutate(id, func(u *User) {
		u.IsActive = true
		u.IsVerified = true
	})
}

func (s *MemoryUserStore) UpdateRoles(_ context.Context, id string, roles []string) (User, error) {
	var updated User
	err := s.mutate(id, func(u *User) {
		u.Roles = append([]string(nil), roles...)
		updated = cloneUser(*u)
	})
	return updated, err
}

func (s *MemoryUserStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(u *User) {
		at := at.UTC()
		u.LastLoginAt = &at
	})
}

func (s *MemoryUserStore) List(_ context.Context, limit, offset int) ([]User, error) {
	s.mu.RLock()
	users := make([]User, 0, len(s.byID))
	for _, user := range s.byID {
		users = append(users, cloneUser(user))
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})

	if offset >= len(users) {
		return []User{}, nil
	}
	users = users[offset:]
	if limit > 0 && limit < len(users) {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryUserStore) UpsertAdmin(ctx context.Context, user User) (User, error) {
	s.mu.Lock()
	id, exists := s.byEmail[strings.ToLower(user.Email)]
	s.mu.Unlock()

	if !exists {
		return s.Create(ctx, user)
	}

	var updated User
	err := s.mutate(id, func(u *User) {
		u.PasswordHash = user.PasswordHash
		u.IsActive = true
		u.IsVerified = true
		if !u.HasRole(RoleAdmin) {
			u.Roles = append(u.Roles, RoleAdmin)
		}
		updated = cloneUser(*u)
	})
	return updated, err
}

func (s *MemoryUserStore) mutate(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&user)
	user.UpdatedAt = s.now().UTC()
	s.byID[id] = user
	return nil
}

func cloneUser(u User) User {
	u.Roles = append([]string(nil), u.Roles...)
	if u.LastLoginAt != nil {
		at := *u.LastLoginAt
		u.LastLoginAt = &at
	}
	return u
}
