// Package modules resolves function module sources and their manifest.
//
// The mutation core only needs Resolve(path): source text plus an optional
// source map, or "not found". DirLoader serves modules from a directory
// tree; MapLoader serves a fixed in-memory set and is what tests use.
package modules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
)

// SourceMapSuffix is appended to a module path to find its source map.
const SourceMapSuffix = ".map"

// Source is the text of one module.
type Source struct {
	Path      string
	Text      string
	SourceMap string // empty when the module has none
}

// Loader resolves module paths to sources.
type Loader interface {
	// Resolve returns the module at modulePath, or (nil, nil) if there is
	// none. Errors are reserved for failures to look.
	Resolve(ctx context.Context, modulePath string) (*Source, error)
}

// DirLoader serves modules from a file system, typically a directory.
type DirLoader struct {
	fsys fs.FS
}

// NewDirLoader returns a loader rooted at dir.
func NewDirLoader(dir string) (*DirLoader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("modules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("modules directory %s is not a directory", dir)
	}
	return &DirLoader{fsys: os.DirFS(dir)}, nil
}

// NewFSLoader returns a loader over fsys.
func NewFSLoader(fsys fs.FS) *DirLoader {
	return &DirLoader{fsys: fsys}
}

// FS returns the underlying file system.
func (l *DirLoader) FS() fs.FS {
	return l.fsys
}

func (l *DirLoader) Resolve(ctx context.Context, modulePath string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := path.Clean(modulePath)
	if !fs.ValidPath(clean) {
		return nil, nil
	}

	text, err := fs.ReadFile(l.fsys, clean)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", clean, err)
	}

	src := &Source{Path: clean, Text: string(text)}
	sourceMap, err := fs.ReadFile(l.fsys, clean+SourceMapSuffix)
	switch {
	case err == nil:
		src.SourceMap = string(sourceMap)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read source map %s: %w", clean+SourceMapSuffix, err)
	}
	return src, nil
}

// MapLoader is an in-memory Loader.
//
// Thread-safety: safe for concurrent use.
type MapLoader struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewMapLoader returns a loader serving sources keyed by module path.
func NewMapLoader(sources map[string]string) *MapLoader {
	l := &MapLoader{sources: make(map[string]Source, len(sources))}
	for p, text := range sources {
		l.sources[p] = Source{Path: p, Text: text}
	}
	return l
}

// Put adds or replaces a module.
func (l *MapLoader) Put(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[src.Path] = src
}

// Paths returns the module paths served, sorted.
func (l *MapLoader) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.sources))
	for p := range l.sources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (l *MapLoader) Resolve(ctx context.Context, modulePath string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.sources[modulePath]
	if !ok {
		return nil, nil
	}
	return &src, nil
}
