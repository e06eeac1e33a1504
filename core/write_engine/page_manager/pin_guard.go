package pagemanager

import "sync"

// Releaser gives a pin back to whoever handed it out.
type Releaser interface {
	DecPageRefCount(key CacheKey) error
}

// PinGuard owns exactly one pin on a page. Release is idempotent, so
// `defer guard.Release()` is always safe even after an explicit release.
type PinGuard struct {
	page  *Page
	owner Releaser
	mode  AccessMode
	once  sync.Once
	err   error
}

func NewPinGuard(page *Page, owner Releaser, mode AccessMode) *PinGuard {
	return &PinGuard{page: page, owner: owner, mode: mode}
}

func (g *PinGuard) Page() *Page { return g.page }

func (g *PinGuard) Key() CacheKey { return g.page.Key() }

func (g *PinGuard) Mode() AccessMode { return g.mode }

// Release drops the pin once and reports the error of that first call.
// A write pin marks the page dirty before the pin is dropped.
func (g *PinGuard) Release() error {
	g.once.Do(func() {
		if g.mode == Write {
			g.page.SetDirty(true)
		}
		g.err = g.owner.DecPageRefCount(g.page.Key())
	})
	return g.err
}

// Detach hands the pin to a remote holder (for example a backend process
// that will send UnpinPage later). The guard no longer releases it, so the
// holder answers for marking written pages dirty.
func (g *PinGuard) Detach() *Page {
	g.once.Do(func() {})
	return g.page
}
