// Package featurekey defines the hierarchical feature identifier used
// throughout the platform to scope budgets, counters, and rollups.
package featurekey

import (
	"fmt"
	"strings"
)

// Key is the immutable triple (project, category, feature). Its canonical
// string form is "project:category:feature" and is used as the literal
// key component in every KVCS cell and RW row this platform touches.
type Key struct {
	Project  string
	Category string
	Feature  string
}

// New validates and constructs a Key from its three components.
func New(project, category, feature string) (Key, error) {
	k := Key{Project: project, Category: category, Feature: feature}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Parse splits a canonical "project:category:feature" string into a Key.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("parsing feature key %q: expected exactly two ':' separators, got %d", s, len(parts)-1)
	}
	return New(parts[0], parts[1], parts[2])
}

// Validate checks the invariant: exactly two ':' separators, each
// component nonempty, and no component itself containing ':'.
func (k Key) Validate() error {
	if k.Project == "" || k.Category == "" || k.Feature == "" {
		return fmt.Errorf("invalid feature key %q: components must be nonempty", k.String())
	}
	for _, part := range []string{k.Project, k.Category, k.Feature} {
		if strings.Contains(part, ":") {
			return fmt.Errorf("invalid feature key component %q: must not contain ':'", part)
		}
	}
	return nil
}

// String returns the canonical "project:category:feature" form.
func (k Key) String() string {
	return k.Project + ":" + k.Category + ":" + k.Feature
}
