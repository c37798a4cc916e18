// Package account holds the signed-in user and the mute preference. It
// replaces ambient global state with an explicit object that is loaded
// once and passed to whoever needs it.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/abishek-ctrl/tutor-ed/internal/kv"
)

const (
	userKey = "ai_tutor_user"
	muteKey = "ai_tutor_mute"
)

// ErrInvalidUser is returned by Login when name or email is missing.
var ErrInvalidUser = errors.New("account: name and email are required")

// User identifies the person talking to the tutor. Email keys their data.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FirstName returns the first word of the user's name.
func (u User) FirstName() string {
	if f := strings.Fields(u.Name); len(f) > 0 {
		return f[0]
	}
	return u.Name
}

// Context is the process-wide account state.
type Context struct {
	kv kv.Store

	mu    sync.RWMutex
	user  *User
	muted bool
}

// Load restores the account state from store. A malformed user record is
// removed and treated as signed out.
func Load(store kv.Store) (*Context, error) {
	c := &Context{kv: store}

	raw, ok, err := store.Get(userKey)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if ok {
		var u User
		if jerr := json.Unmarshal(raw, &u); jerr != nil || u.Email == "" {
			log.Printf("account: dropping unreadable user record: %v", jerr)
			if err := store.Delete(userKey); err != nil {
				return nil, fmt.Errorf("drop user: %w", err)
			}
		} else {
			c.user = &u
		}
	}

	raw, ok, err = store.Get(muteKey)
	if err != nil {
		return nil, fmt.Errorf("load mute: %w", err)
	}
	c.muted = ok && string(raw) == "true"
	return c, nil
}

// Login persists u as the current user.
func (c *Context) Login(u User) error {
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Name == "" || u.Email == "" {
		return ErrInvalidUser
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Put(userKey, b); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	c.user = &u
	return nil
}

// Logout clears the current user. The mute preference is kept.
func (c *Context) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Delete(userKey); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	c.user = nil
	return nil
}

// Current returns the signed-in user, if any.
func (c *Context) Current() (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

// Muted reports whether spoken replies are disabled.
func (c *Context) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// SetMuted persists the mute preference.
func (c *Context) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Put(muteKey, []byte(fmt.Sprint(muted))); err != nil {
		return fmt.Errorf("save mute: %w", err)
	}
	c.muted = muted
	return nil
}
