// Package auth guards the admin API with static API keys.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Identity is the caller behind an API key.
type Identity struct {
	Subject string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticKeys struct {
	keys map[string]Identity
}

// ParseStaticKeys reads a comma separated list of key:subject:role|role
// entries.
func ParseStaticKeys(spec string) (*StaticKeys, error) {
	keys := &StaticKeys{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return keys, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		key, rest, ok := strings.Cut(entry, ":")
		subject, roleList, ok2 := strings.Cut(rest, ":")
		if !ok || !ok2 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:subject:role|role", entry)
		}
		key, subject = strings.TrimSpace(key), strings.TrimSpace(subject)
		if key == "" || subject == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key or subject", entry)
		}
		if _, dup := keys.keys[key]; dup {
			return nil, fmt.Errorf("duplicate static key for subject %q", subject)
		}

		var roles []string
		for _, role := range strings.Split(roleList, "|") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		slices.Sort(roles)
		keys.keys[key] = Identity{Subject: subject, Roles: slices.Compact(roles)}
	}
	return keys, nil
}

func (k *StaticKeys) Len() int {
	return len(k.keys)
}

func (k *StaticKeys) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := k.keys[apiKey]
	return identity, ok
}
