package namespace

import (
	"sync"

	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

const (
	UnknownTypeName                    = "UnknownUserData"
	UnknownTypeID   pagemanager.TypeID = 0
)

// TypeRegistry resolves a type name against the catalog.
type TypeRegistry interface {
	ResolveType(name string) (pagemanager.TypeID, bool)
}

// StaticRegistry is an in-process TypeRegistry. Types registered with
// RegisterType resolve; everything else does not.
type StaticRegistry struct {
	mu    sync.RWMutex
	types map[string]pagemanager.TypeID
	next  *SequenceID
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		types: make(map[string]pagemanager.TypeID),
		next:  NewSequenceID(uint32(UnknownTypeID) + 1),
	}
}

// RegisterType returns the id of name, assigning one if it is new.
func (r *StaticRegistry) RegisterType(name string) pagemanager.TypeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.types[name]; ok {
		return id
	}
	id := pagemanager.TypeID(r.next.Next())
	r.types[name] = id
	return id
}

// Observe records a type found on disk.
func (r *StaticRegistry) Observe(name string, id pagemanager.TypeID) {
	if id == UnknownTypeID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; !ok {
		r.types[name] = id
	}
	r.next.Observe(uint32(id))
}

func (r *StaticRegistry) ResolveType(name string) (pagemanager.TypeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.types[name]
	return id, ok
}

// AutoRegistry registers every type it is asked about. It stands in for a
// catalog that always answers.
type AutoRegistry struct {
	*StaticRegistry
}

func NewAutoRegistry() *AutoRegistry {
	return &AutoRegistry{StaticRegistry: NewStaticRegistry()}
}

func (r *AutoRegistry) ResolveType(name string) (pagemanager.TypeID, bool) {
	if name == "" || name == UnknownTypeName {
		return UnknownTypeID, false
	}
	return r.RegisterType(name), true
}
