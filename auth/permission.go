// Package auth implements capability tokens: HS256-signed JWTs carrying a
// list of (action, cache pattern) grants, and the checks that gate every
// cache operation on them.
package auth

import (
	"fmt"
	"path"
	"slices"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Action is an operation a grant can permit.
type Action string

const (
	ActionPull                    Action = "pull"
	ActionPush                    Action = "push"
	ActionDelete                  Action = "delete"
	ActionCreateCache             Action = "create-cache"
	ActionDestroyCache            Action = "destroy-cache"
	ActionConfigureCache          Action = "configure-cache"
	ActionConfigureCacheRetention Action = "configure-cache-retention"
)

// AllActions lists every action in a stable order.
var AllActions = []Action{
	ActionPull,
	ActionPush,
	ActionDelete,
	ActionCreateCache,
	ActionDestroyCache,
	ActionConfigureCache,
	ActionConfigureCacheRetention,
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !slices.Contains(AllActions, a) {
		return "", fmt.Errorf("unknown action %q: %w", s, binarycache.ErrInvalid)
	}
	return a, nil
}

// Grant permits one action on every cache whose name matches Cache. The
// pattern is an exact name or a glob using *, ? and [...] classes.
type Grant struct {
	Action Action `json:"action"`
	Cache  string `json:"cache"`
}

// Validate checks the action and the pattern syntax.
func (g Grant) Validate() error {
	if _, err := ParseAction(string(g.Action)); err != nil {
		return err
	}
	if g.Cache == "" {
		return fmt.Errorf("grant for %s has an empty cache pattern: %w", g.Action, binarycache.ErrInvalid)
	}
	if _, err := path.Match(g.Cache, ""); err != nil {
		return fmt.Errorf("grant cache pattern %q: %w", g.Cache, binarycache.ErrInvalid)
	}
	return nil
}

// Matches reports whether the grant permits action on cache.
func (g Grant) Matches(action Action, cache string) bool {
	if g.Action != action {
		return false
	}
	if g.Cache == cache {
		return true
	}
	ok, err := path.Match(g.Cache, cache)
	return err == nil && ok
}

// ParseGrant parses "action:pattern", the form accepted on the command line.
func ParseGrant(s string) (Grant, error) {
	action, pattern, ok := strings.Cut(s, ":")
	if !ok {
		return Grant{}, fmt.Errorf("grant %q is not action:pattern: %w", s, binarycache.ErrInvalid)
	}
	g := Grant{Action: Action(action), Cache: pattern}
	return g, g.Validate()
}
