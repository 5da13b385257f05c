// Package pathresolve implements the path resolver of spec.md §4.5:
// tokenise a "/"-separated absolute path and walk directory streams from
// the root (always block 0) to find the entry it names.
package pathresolve

import (
	"strings"

	"github.com/blockfs/blockfs/internal/direntry"
	"github.com/blockfs/blockfs/internal/fat"
	"github.com/blockfs/blockfs/internal/fserr"
	"github.com/blockfs/blockfs/internal/region"
)

// MaxPathLen is the longest path this resolver accepts (spec.md §6).
const MaxPathLen = 255

// Root is the synthetic entry for "/" and "" (spec.md §4.5, step 1). It
// never appears in any directory's entry array.
var Root = direntry.Entry{Kind: direntry.KindDirectory, HeadBlock: region.RootBlock}

// Resolver walks directory streams rooted at the region's block 0.
type Resolver struct {
	fat *fat.Table
}

// New returns a Resolver over t.
func New(t *fat.Table) *Resolver {
	return &Resolver{fat: t}
}

func split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Resolve returns the entry named by path, an absolute, "/"-separated
// path. It returns *fserr.Error with Kind InvalidPath, NotADirectory,
// NameTooLong or NoSuchEntry on failure (spec.md §4.5).
func (r *Resolver) Resolve(path string) (direntry.Entry, error) {
	if path == "" || path == "/" {
		return Root, nil
	}
	if !strings.HasPrefix(path, "/") {
		return direntry.Entry{}, fserr.New(fserr.InvalidPath, path)
	}
	if len(path) > MaxPathLen {
		return direntry.Entry{}, fserr.New(fserr.InvalidPath, path)
	}

	tokens := split(path)
	parentTokens, childName := tokens[:len(tokens)-1], tokens[len(tokens)-1]

	parent, err := r.walk(parentTokens)
	if err != nil {
		return direntry.Entry{}, err
	}

	dir := direntry.Open(r.fat, int(parent.HeadBlock))
	child, _, ok := dir.Find(childName)
	if !ok {
		return direntry.Entry{}, fserr.New(fserr.NoSuchEntry, path)
	}
	return child, nil
}

// ResolveParent returns the directory entry of path's parent directory
// and path's basename, without requiring the basename itself to exist.
// mknod/mkdir/rename use this to locate the directory a new entry must
// be appended to.
func (r *Resolver) ResolveParent(path string) (parent direntry.Entry, name string, err error) {
	if !strings.HasPrefix(path, "/") {
		return direntry.Entry{}, "", fserr.New(fserr.InvalidPath, path)
	}
	if len(path) > MaxPathLen {
		return direntry.Entry{}, "", fserr.New(fserr.InvalidPath, path)
	}
	tokens := split(path)
	if len(tokens) == 0 {
		return direntry.Entry{}, "", fserr.New(fserr.InvalidPath, path)
	}
	parentTokens, childName := tokens[:len(tokens)-1], tokens[len(tokens)-1]
	parent, err = r.walk(parentTokens)
	if err != nil {
		return direntry.Entry{}, "", err
	}
	return parent, childName, nil
}

// walk resolves a sequence of path components starting at the root,
// requiring every intermediate (and final) component to be a directory.
func (r *Resolver) walk(tokens []string) (direntry.Entry, error) {
	current := Root
	for _, tok := range tokens {
		if current.Kind != direntry.KindDirectory {
			return direntry.Entry{}, fserr.New(fserr.NotADirectory, tok)
		}
		if len(tok) > direntry.MaxNameLen {
			return direntry.Entry{}, fserr.New(fserr.NameTooLong, tok)
		}
		dir := direntry.Open(r.fat, int(current.HeadBlock))
		entry, _, ok := dir.Find(tok)
		if !ok {
			return direntry.Entry{}, fserr.New(fserr.NotADirectory, tok)
		}
		current = entry
	}
	if current.Kind != direntry.KindDirectory {
		return direntry.Entry{}, fserr.New(fserr.NotADirectory, "")
	}
	return current, nil
}
