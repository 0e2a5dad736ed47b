package artifact

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-version"
)

// Key identifies a logical artifact independently of where its bytes live.
type Key struct {
	Namespace  string `yaml:"namespace" json:"namespace"`
	Classifier string `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	ID         string `yaml:"id" json:"id"`
	Version    string `yaml:"version" json:"version"`
}

// NewKey builds a key without a classifier.
func NewKey(namespace, id, ver string) Key {
	return Key{Namespace: namespace, ID: id, Version: ver}
}

// ParseKey parses "namespace/id/version" or "namespace/id/version/classifier".
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 && len(parts) != 4 {
		return Key{}, fmt.Errorf("invalid artifact key %q: want namespace/id/version[/classifier]", s)
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("invalid artifact key %q: empty segment", s)
		}
	}
	k := Key{Namespace: parts[0], ID: parts[1], Version: parts[2]}
	if len(parts) == 4 {
		k.Classifier = parts[3]
	}
	return k, nil
}

func (k Key) String() string {
	s := k.Namespace + "/" + k.ID + "/" + k.Version
	if k.Classifier != "" {
		s += "/" + k.Classifier
	}
	return s
}

// Validate rejects keys missing an identity component.
func (k Key) Validate() error {
	if k.Namespace == "" || k.ID == "" || k.Version == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// SemVer parses the key's version.
func (k Key) SemVer() (*version.Version, error) {
	return version.NewVersion(k.Version)
}

// Less orders keys by namespace, id, classifier and then version. Versions
// are compared semantically when both parse, textually otherwise.
func (k Key) Less(o Key) bool {
	if k.Namespace != o.Namespace {
		return k.Namespace < o.Namespace
	}
	if k.ID != o.ID {
		return k.ID < o.ID
	}
	if k.Classifier != o.Classifier {
		return k.Classifier < o.Classifier
	}
	return compareVersions(k.Version, o.Version) < 0
}

// SortKeys sorts keys in Less order.
func SortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
}

func compareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// MatchesConstraint reports whether the key's version satisfies a
// go-version constraint such as ">= 1.2, < 2.0".
func (k Key) MatchesConstraint(constraint string) bool {
	c, err := version.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := k.SemVer()
	if err != nil {
		return false
	}
	return c.Check(v)
}

// Latest returns, for each namespace/id/classifier, the key with the highest
// version.
func Latest(keys []Key) []Key {
	type ident struct{ ns, id, cls string }
	best := make(map[ident]Key)
	var order []ident
	for _, k := range keys {
		i := ident{k.Namespace, k.ID, k.Classifier}
		cur, ok := best[i]
		if !ok {
			order = append(order, i)
			best[i] = k
			continue
		}
		if compareVersions(cur.Version, k.Version) < 0 {
			best[i] = k
		}
	}
	out := make([]Key, 0, len(order))
	for _, i := range order {
		out = append(out, best[i])
	}
	return out
}
