package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is returned by writes that a Fault rule rejects.
var ErrInjected = errors.New("injected fault error")

// Fault describes how writes to matching files fail.
type Fault struct {
	// FailWrites rejects this many positional writes, then lets writes through.
	// -1 rejects every write.
	FailWrites int
	FailOnSync bool
	Err        error
}

// FaultyFS wraps a FileSystem and injects write errors into files whose
// name contains a registered pattern.
type FaultyFS struct {
	FS FileSystem

	mu     sync.Mutex
	rules  map[string]*Fault
	failed int
}

func NewFaultyFS(inner FileSystem) *FaultyFS {
	if inner == nil {
		inner = Default
	}
	return &FaultyFS{FS: inner, rules: make(map[string]*Fault)}
}

// AddRule registers a fault for every file whose path contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.rules[pattern] = &fault
}

// ClearRules lets every write through again.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*Fault)
}

// Failed is the number of writes rejected so far.
func (f *FaultyFS) Failed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// check consumes one failure budget unit for name, if any rule applies.
func (f *FaultyFS) check(name string, sync bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if !strings.Contains(name, pattern) {
			continue
		}
		if sync {
			if rule.FailOnSync {
				f.failed++
				return rule.Err
			}
			continue
		}
		if rule.FailWrites < 0 {
			f.failed++
			return rule.Err
		}
		if rule.FailWrites > 0 {
			rule.FailWrites--
			f.failed++
			return rule.Err
		}
	}
	return nil
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

func (f *FaultyFS) Remove(name string) error                     { return f.FS.Remove(name) }
func (f *FaultyFS) RemoveAll(path string) error                  { return f.FS.RemoveAll(path) }
func (f *FaultyFS) Rename(oldpath, newpath string) error         { return f.FS.Rename(oldpath, newpath) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error)        { return f.FS.Stat(name) }
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error { return f.FS.MkdirAll(path, perm) }
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error)   { return f.FS.ReadDir(name) }

type faultyFile struct {
	File
	fs *FaultyFS
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.fs.check(ff.File.Name(), false); err != nil {
		return 0, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.fs.check(ff.File.Name(), false); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}

func (ff *faultyFile) Sync() error {
	if err := ff.fs.check(ff.File.Name(), true); err != nil {
		return err
	}
	return ff.File.Sync()
}
