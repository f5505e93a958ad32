// Package parallel provides multi-shard readers and writers: fixed worker
// pools that spread record I/O across shard files while keeping resource
// usage bounded. Ordering is preserved within each shard file only; across
// shards the interleaving is nondeterministic.
package parallel

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kjk/shardstore/u"
)

// ShardLocator supplies the next shard file path to a free reader slot.
//
// Acquire returns ok=false once a finite locator has handed out all of
// its paths. Release is called when a slot is done with a path; the
// provided locators treat it as a no-op, it exists so stateful recycling
// policies can plug in.
type ShardLocator interface {
	Acquire() (path string, ok bool)
	Release(path string)
}

// DirLocator hands out the shard files matching {dir}/{prefix}_* in
// sorted order, once each.
type DirLocator struct {
	mu    sync.Mutex
	paths []string
	next  int
}

// NewDirLocator globs dir for prefix_* shard files. The listing happens
// once, at construction, and is sorted for determinism.
func NewDirLocator(dir, prefix string) (*DirLocator, error) {
	paths, err := globShards(dir, prefix)
	if err != nil {
		return nil, err
	}
	return &DirLocator{paths: paths}, nil
}

// globShards lists the prefix_* shard files in dir, sorted. Glob matches
// anything with the right name, so non-files (a stray subdirectory) are
// filtered out.
func globShards(dir, prefix string) ([]string, error) {
	if !u.DirExists(dir) {
		return nil, fmt.Errorf("shard directory %q does not exist", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*"))
	if err != nil {
		return nil, err
	}
	paths := matches[:0]
	for _, p := range matches {
		if u.FileExists(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *DirLocator) Acquire() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next >= len(l.paths) {
		return "", false
	}
	p := l.paths[l.next]
	l.next++
	return p, true
}

func (l *DirLocator) Release(string) {}

// PathListLocator hands out explicitly given paths in list order, once
// each. The list may be longer than a pool's slot count; freed slots pick
// up the remaining paths.
type PathListLocator struct {
	mu    sync.Mutex
	paths []string
	next  int
}

func NewPathListLocator(paths []string) *PathListLocator {
	return &PathListLocator{paths: append([]string(nil), paths...)}
}

func (l *PathListLocator) Acquire() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next >= len(l.paths) {
		return "", false
	}
	p := l.paths[l.next]
	l.next++
	return p, true
}

func (l *PathListLocator) Release(string) {}

// RandomRepeatLocator hands out paths from a shuffled permutation and
// reshuffles each time the permutation is exhausted. Acquire never
// signals exhaustion (unless the path list is empty), so a pool backed by
// it reads indefinitely; repeats are expected. Meant for training-style
// sampling where the caller decides when to stop.
type RandomRepeatLocator struct {
	mu    sync.Mutex
	paths []string
	next  int
}

func NewRandomRepeatLocator(paths []string) *RandomRepeatLocator {
	l := &RandomRepeatLocator{paths: append([]string(nil), paths...)}
	l.shuffle()
	return l
}

func (l *RandomRepeatLocator) shuffle() {
	rand.Shuffle(len(l.paths), func(i, j int) {
		l.paths[i], l.paths[j] = l.paths[j], l.paths[i]
	})
	l.next = 0
}

func (l *RandomRepeatLocator) Acquire() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.paths) == 0 {
		return "", false
	}
	if l.next >= len(l.paths) {
		l.shuffle()
	}
	p := l.paths[l.next]
	l.next++
	return p, true
}

func (l *RandomRepeatLocator) Release(string) {}

// CoercePaths converts path-like values (strings, fmt.Stringers, values
// with a Path() string method) to the canonical path strings locators and
// readers operate on. Callers with richer path types convert here, once.
func CoercePaths(vs ...any) ([]string, error) {
	return u.PathStrings(vs)
}

// ExpandDirs flattens a set of directories into the list of shard files
// they contain under prefix, in the same deterministic per-directory
// order NewDirLocator uses.
func ExpandDirs(dirs []string, prefix string) ([]string, error) {
	var res []string
	for _, dir := range dirs {
		paths, err := globShards(dir, prefix)
		if err != nil {
			return nil, err
		}
		res = append(res, paths...)
	}
	return res, nil
}
