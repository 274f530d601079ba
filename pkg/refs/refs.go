// Package refs names commits: branch heads, tags and other references that
// anchor reachability for the object database.
package refs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/odb/pkg/object"
)

const (
	// HeadsPrefix holds branch heads.
	HeadsPrefix = "refs/heads/"
	// TagsPrefix holds tags.
	TagsPrefix = "refs/tags/"
	// Head is the symbolic ref naming the current branch.
	Head = "HEAD"
)

// ErrCASMismatch reports a compare-and-swap update whose expected old value
// did not match.
var ErrCASMismatch = errors.New("ref compare-and-swap mismatch")

// Ref is a resolved reference.
type Ref struct {
	Name string
	ID   object.ID
}

// Database resolves and updates references. Short names such as "main"
// resolve through refs/heads/ and then refs/tags/.
type Database interface {
	Resolve(name string) (object.ID, error)
	// List returns refs whose full name starts with prefix, sorted by name.
	List(prefix string) ([]Ref, error)
	Update(name string, id object.ID) error
}

// candidates returns the full names tried for a possibly short name.
func candidates(name string) []string {
	if name == Head || strings.HasPrefix(name, "refs/") {
		return []string{name}
	}
	return []string{name, HeadsPrefix + name, TagsPrefix + name}
}

func validName(name string) error {
	if name == Head {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("ref %q: must start with refs/", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." || strings.HasSuffix(part, ".lock") {
			return fmt.Errorf("ref %q: invalid component %q", name, part)
		}
	}
	return nil
}

func notFound(name string) error {
	return fmt.Errorf("resolve ref %q: %w", name, object.ErrNotFound)
}
