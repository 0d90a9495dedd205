// Package allowlist enforces per-channel access policy. Each channel runs in
// one of three modes: open (everyone), allowlist (membership required),
// disabled (nobody). A channel with no entry denies everything.
package allowlist

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ocx/gateway/internal/auth"
)

// Channel modes.
const (
	ModeOpen      = "open"
	ModeAllowlist = "allowlist"
	ModeDisabled  = "disabled"
)

type entry struct {
	mode   string
	users  map[string]struct{}
	groups map[string]struct{}
}

// Status is the admin-facing view of one channel's policy.
type Status struct {
	Channel string   `json:"channel"`
	Mode    string   `json:"mode"`
	Users   []string `json:"users"`
	Groups  []string `json:"groups"`
}

// Allowlist holds every channel's policy. Reads are the hot path; admin
// mutations are rare.
type Allowlist struct {
	mu       sync.RWMutex
	channels map[string]*entry
	logger   *log.Logger
}

// New creates an empty allowlist. Channels without an entry deny all access;
// call Set or LoadFromEnv before serving traffic.
func New() *Allowlist {
	return &Allowlist{
		channels: make(map[string]*entry),
		logger:   log.New(log.Writer(), "[ALLOWLIST] ", log.LstdFlags),
	}
}

// LoadFromEnv reads ALLOWLIST_<CHANNEL>_MODE / _USERS / _GROUPS variables
// and installs one entry per channel found. Returns the number of channels
// configured.
func LoadFromEnv() (*Allowlist, int) {
	a := New()
	count := 0

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "ALLOWLIST_") || !strings.HasSuffix(key, "_MODE") {
			continue
		}
		channel := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, "ALLOWLIST_"), "_MODE"))
		if channel == "" {
			continue
		}

		mode := strings.ToLower(strings.TrimSpace(value))
		users := splitSet(os.Getenv("ALLOWLIST_" + strings.ToUpper(channel) + "_USERS"))
		groups := splitSet(os.Getenv("ALLOWLIST_" + strings.ToUpper(channel) + "_GROUPS"))

		if err := a.Set(channel, mode, users, groups); err != nil {
			a.logger.Printf("⚠️ Skipping %s: %v", channel, err)
			continue
		}
		count++
	}

	if count > 0 {
		a.logger.Printf("✅ Loaded policy for %d channel(s)", count)
	}
	return a, count
}

func splitSet(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsAllowed decides whether (userID, groupID) may use channel. Unknown
// channels deny; open allows; disabled denies; allowlist requires the user
// in the user set or, when a group id is present, the group in the group set.
func (a *Allowlist) IsAllowed(channel, userID, groupID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.channels[channel]
	if !ok {
		return false
	}

	switch e.mode {
	case ModeOpen:
		return true
	case ModeDisabled:
		return false
	case ModeAllowlist:
		if _, ok := e.users[userID]; ok {
			return true
		}
		if groupID != "" {
			if _, ok := e.groups[groupID]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Set installs or replaces the policy for a channel.
func (a *Allowlist) Set(channel, mode string, users, groups []string) error {
	switch mode {
	case ModeOpen, ModeAllowlist, ModeDisabled:
	default:
		return fmt.Errorf("unknown allowlist mode %q", mode)
	}

	e := &entry{mode: mode, users: make(map[string]struct{}), groups: make(map[string]struct{})}
	for _, u := range users {
		e.users[u] = struct{}{}
	}
	for _, g := range groups {
		e.groups[g] = struct{}{}
	}

	a.mu.Lock()
	a.channels[channel] = e
	a.mu.Unlock()
	return nil
}

// SetMode changes only the mode, preserving membership sets. Creates the
// entry when the channel is new.
func (a *Allowlist) SetMode(channel, mode string) error {
	switch mode {
	case ModeOpen, ModeAllowlist, ModeDisabled:
	default:
		return fmt.Errorf("unknown allowlist mode %q", mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.channels[channel]
	if !ok {
		e = &entry{users: make(map[string]struct{}), groups: make(map[string]struct{})}
		a.channels[channel] = e
	}
	e.mode = mode
	a.logger.Printf("🔧 %s mode → %s", channel, mode)
	return nil
}

// AddUser admits a user id on a channel. Creates an allowlist-mode entry
// when the channel is new.
func (a *Allowlist) AddUser(channel, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.channels[channel]
	if !ok {
		e = &entry{mode: ModeAllowlist, users: make(map[string]struct{}), groups: make(map[string]struct{})}
		a.channels[channel] = e
	}
	e.users[userID] = struct{}{}
	a.logger.Printf("➕ %s user %s", channel, auth.AuditTag(userID))
}

// RemoveUser revokes a user id; reports whether it was present.
func (a *Allowlist) RemoveUser(channel, userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.channels[channel]
	if !ok {
		return false
	}
	if _, present := e.users[userID]; !present {
		return false
	}
	delete(e.users, userID)
	a.logger.Printf("➖ %s user %s", channel, auth.AuditTag(userID))
	return true
}

// AddGroup admits a group id on a channel.
func (a *Allowlist) AddGroup(channel, groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.channels[channel]
	if !ok {
		e = &entry{mode: ModeAllowlist, users: make(map[string]struct{}), groups: make(map[string]struct{})}
		a.channels[channel] = e
	}
	e.groups[groupID] = struct{}{}
}

// RemoveGroup revokes a group id; reports whether it was present.
func (a *Allowlist) RemoveGroup(channel, groupID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.channels[channel]
	if !ok {
		return false
	}
	if _, present := e.groups[groupID]; !present {
		return false
	}
	delete(e.groups, groupID)
	return true
}

// Status reports every configured channel, sorted by tag.
func (a *Allowlist) Status() []Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Status, 0, len(a.channels))
	for tag, e := range a.channels {
		s := Status{Channel: tag, Mode: e.mode}
		for u := range e.users {
			s.Users = append(s.Users, u)
		}
		for g := range e.groups {
			s.Groups = append(s.Groups, g)
		}
		sort.Strings(s.Users)
		sort.Strings(s.Groups)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
