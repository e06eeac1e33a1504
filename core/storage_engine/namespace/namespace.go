// Package namespace owns the database, type and set hierarchy of one node
// and its directory layout on every volume:
//
//	<volume>/<dbId>_<dbName>/<typeId>_<typeName>/<setId>_<setName>/
//	<volume>/temp/<setId>_<setName>/
//
// Objects live in id-indexed maps; name maps hold ids only. Each scope has
// its own lock and the database lock is always taken before a database's
// set lock. No lock is held across disk I/O.
package namespace

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	partitionedfile "github.com/sushant-115/pagestore/core/storage_engine/partitioned_file"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagecache "github.com/sushant-115/pagestore/core/write_engine/page_cache"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/fs"
)

const tempDirName = "temp"

type Config struct {
	// Volumes are the root directories a set is striped across.
	Volumes []string `yaml:"volumes"`
	// PageSize must match the page cache slot size. 0 takes the cache's.
	PageSize int `yaml:"page_size"`
}

type Type struct {
	ID   pagemanager.TypeID
	Name string
}

type Database struct {
	ID   pagemanager.DatabaseID
	Name string

	mu       sync.RWMutex
	types    map[pagemanager.TypeID]*Type
	sets     map[pagemanager.SetID]*Set
	setNames map[string]pagemanager.SetID
	setSeq   *SequenceID
}

func newDatabase(id pagemanager.DatabaseID, name string) *Database {
	return &Database{
		ID:       id,
		Name:     name,
		types:    make(map[pagemanager.TypeID]*Type),
		sets:     make(map[pagemanager.SetID]*Set),
		setNames: make(map[string]pagemanager.SetID),
		setSeq:   NewSequenceID(1),
	}
}

// Sets returns the database's sets ordered by id.
func (d *Database) Sets() []*Set {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sets := make([]*Set, 0, len(d.sets))
	for _, s := range d.sets {
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].key.SetID < sets[j].key.SetID })
	return sets
}

func (d *Database) Types() []Type {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]Type, 0, len(d.types))
	for _, t := range d.types {
		types = append(types, *t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types
}

// NextSetID is the id the next set of this database will get.
func (d *Database) NextSetID() pagemanager.SetID {
	return pagemanager.SetID(d.setSeq.Peek())
}

type Namespace struct {
	fs       fs.FileSystem
	logger   *zap.Logger
	volumes  []string
	pageSize int
	cache    *pagecache.PageCache
	registry TypeRegistry

	dbMu      sync.RWMutex
	databases map[pagemanager.DatabaseID]*Database
	dbNames   map[string]pagemanager.DatabaseID
	dbSeq     *SequenceID

	tempMu    sync.RWMutex
	temps     map[pagemanager.SetID]*Set
	tempNames map[string]pagemanager.SetID
	tempSeq   *SequenceID
}

func New(fsys fs.FileSystem, cfg Config, cache *pagecache.PageCache, registry TypeRegistry, logger *zap.Logger) (*Namespace, error) {
	if len(cfg.Volumes) == 0 {
		return nil, fmt.Errorf("%w: no volumes configured", flushmanager.ErrRootMissing)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = cache.PageSize()
	}
	if cfg.PageSize != cache.PageSize() {
		return nil, fmt.Errorf("page size %d does not match page cache slot size %d", cfg.PageSize, cache.PageSize())
	}
	if fsys == nil {
		fsys = fs.Default
	}
	if registry == nil {
		registry = NewStaticRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Namespace{
		fs:        fsys,
		logger:    logger.Named("namespace"),
		volumes:   cfg.Volumes,
		pageSize:  cfg.PageSize,
		cache:     cache,
		registry:  registry,
		databases: make(map[pagemanager.DatabaseID]*Database),
		dbNames:   make(map[string]pagemanager.DatabaseID),
		dbSeq:     NewSequenceID(1),
		temps:     make(map[pagemanager.SetID]*Set),
		tempNames: make(map[string]pagemanager.SetID),
		tempSeq:   NewSequenceID(1),
	}, nil
}

func (n *Namespace) PageSize() int               { return n.pageSize }
func (n *Namespace) Volumes() []string           { return n.volumes }
func (n *Namespace) Cache() *pagecache.PageCache { return n.cache }
func (n *Namespace) NextDatabaseID() pagemanager.DatabaseID {
	return pagemanager.DatabaseID(n.dbSeq.Peek())
}

func dirName(id uint32, name string) string {
	return strconv.FormatUint(uint64(id), 10) + "_" + name
}

// parseDirName splits "<id>_<name>".
func parseDirName(s string) (uint32, string, bool) {
	idx := strings.IndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:idx], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(id), s[idx+1:], true
}

func validName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %s name %q", flushmanager.ErrInvalidName, kind, name)
	}
	return nil
}

func (n *Namespace) databaseDirs(id pagemanager.DatabaseID, name string) []string {
	dirs := make([]string, len(n.volumes))
	for i, v := range n.volumes {
		dirs[i] = filepath.Join(v, dirName(uint32(id), name))
	}
	return dirs
}

func (n *Namespace) setDirs(db *Database, typ Type, id pagemanager.SetID, name string) []string {
	dirs := n.databaseDirs(db.ID, db.Name)
	for i := range dirs {
		dirs[i] = filepath.Join(dirs[i], dirName(uint32(typ.ID), typ.Name), dirName(uint32(id), name))
	}
	return dirs
}

func (n *Namespace) tempDirs(id pagemanager.SetID, name string) []string {
	dirs := make([]string, len(n.volumes))
	for i, v := range n.volumes {
		dirs[i] = filepath.Join(v, tempDirName, dirName(uint32(id), name))
	}
	return dirs
}

func (n *Namespace) newSet(key pagemanager.SetKey, name, typeName string, file *partitionedfile.File) *Set {
	logger := n.logger.With(
		zap.String("set", name),
		zap.Uint32("database_id", uint32(key.DatabaseID)),
		zap.Uint32("set_id", uint32(key.SetID)))
	return &Set{
		key:      key,
		name:     name,
		typeName: typeName,
		file:     file,
		cache:    n.cache,
		logger:   logger,
	}
}

func (n *Namespace) removeDirs(dirs []string) error {
	var errs []error
	for _, dir := range dirs {
		if err := n.fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("%w: remove %s: %v", flushmanager.ErrIO, dir, err))
		}
	}
	return errors.Join(errs...)
}

// AddDatabase creates an empty database on every volume.
func (n *Namespace) AddDatabase(name string) (pagemanager.DatabaseID, error) {
	if err := validName("database", name); err != nil {
		return 0, err
	}
	n.dbMu.RLock()
	_, exists := n.dbNames[name]
	n.dbMu.RUnlock()
	if exists {
		return 0, fmt.Errorf("%w: database %s", flushmanager.ErrAlreadyExists, name)
	}

	id := pagemanager.DatabaseID(n.dbSeq.Next())
	dirs := n.databaseDirs(id, name)
	for _, dir := range dirs {
		if err := n.fs.MkdirAll(dir, 0o755); err != nil {
			n.removeDirs(dirs)
			return 0, fmt.Errorf("%w: create %s: %v", flushmanager.ErrIO, dir, err)
		}
	}

	n.dbMu.Lock()
	if _, exists := n.dbNames[name]; exists {
		n.dbMu.Unlock()
		n.removeDirs(dirs)
		return 0, fmt.Errorf("%w: database %s", flushmanager.ErrAlreadyExists, name)
	}
	n.databases[id] = newDatabase(id, name)
	n.dbNames[name] = id
	n.dbMu.Unlock()

	n.logger.Info("Database added", zap.String("database", name), zap.Uint32("id", uint32(id)))
	return id, nil
}

// Database looks a database up by name.
func (n *Namespace) Database(name string) (*Database, error) {
	n.dbMu.RLock()
	defer n.dbMu.RUnlock()
	id, ok := n.dbNames[name]
	if !ok {
		return nil, fmt.Errorf("%w: database %s", flushmanager.ErrNotFound, name)
	}
	return n.databases[id], nil
}

// Databases returns every database ordered by id.
func (n *Namespace) Databases() []*Database {
	n.dbMu.RLock()
	defer n.dbMu.RUnlock()
	dbs := make([]*Database, 0, len(n.databases))
	for _, db := range n.databases {
		dbs = append(dbs, db)
	}
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].ID < dbs[j].ID })
	return dbs
}

// RemoveDatabase unregisters a database, drops its resident pages and
// deletes its directories. Pages still pinned stay valid until released.
func (n *Namespace) RemoveDatabase(name string) error {
	n.dbMu.Lock()
	id, ok := n.dbNames[name]
	if !ok {
		n.dbMu.Unlock()
		return fmt.Errorf("%w: database %s", flushmanager.ErrNotFound, name)
	}
	db := n.databases[id]
	delete(n.dbNames, name)
	delete(n.databases, id)
	n.dbMu.Unlock()

	db.mu.Lock()
	sets := make([]*Set, 0, len(db.sets))
	for _, s := range db.sets {
		sets = append(sets, s)
	}
	db.sets = make(map[pagemanager.SetID]*Set)
	db.setNames = make(map[string]pagemanager.SetID)
	db.mu.Unlock()

	dropped := n.cache.DropDatabase(id)
	for _, s := range sets {
		s.file.Close()
	}
	if err := n.removeDirs(n.databaseDirs(id, name)); err != nil {
		return err
	}
	n.logger.Info("Database removed",
		zap.String("database", name),
		zap.Int("sets", len(sets)),
		zap.Int("dropped_pages", dropped))
	return nil
}

// AddSet creates an empty set. A type the registry cannot resolve falls
// back to UnknownUserData. The new set is write-pinned in the cache.
func (n *Namespace) AddSet(dbName, typeName, setName string) (*Set, error) {
	if err := validName("set", setName); err != nil {
		return nil, err
	}
	db, err := n.Database(dbName)
	if err != nil {
		return nil, err
	}

	typeID, resolved := n.registry.ResolveType(typeName)
	if !resolved {
		n.logger.Warn("Type not resolved, storing set as unknown type",
			zap.String("database", dbName),
			zap.String("set", setName),
			zap.String("requested_type", typeName))
		typeID, typeName = UnknownTypeID, UnknownTypeName
	} else if err := validName("type", typeName); err != nil {
		return nil, err
	}
	typ := Type{ID: typeID, Name: typeName}

	db.mu.RLock()
	_, exists := db.setNames[setName]
	db.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: set %s in database %s", flushmanager.ErrAlreadyExists, setName, dbName)
	}

	setID := pagemanager.SetID(db.setSeq.Next())
	file, err := partitionedfile.Create(n.fs, n.setDirs(db, typ, setID, setName), n.pageSize, n.logger)
	if err != nil {
		return nil, fmt.Errorf("create set %s: %w", setName, err)
	}
	key := pagemanager.SetKey{DatabaseID: db.ID, TypeID: typeID, SetID: setID}
	set := n.newSet(key, setName, typeName, file)

	db.mu.Lock()
	if _, exists := db.setNames[setName]; exists {
		db.mu.Unlock()
		file.Remove()
		return nil, fmt.Errorf("%w: set %s in database %s", flushmanager.ErrAlreadyExists, setName, dbName)
	}
	if _, ok := db.types[typeID]; !ok {
		db.types[typeID] = &typ
		n.logger.Info("Type added", zap.String("database", dbName), zap.String("type", typeName), zap.Uint32("id", uint32(typeID)))
	}
	db.sets[setID] = set
	db.setNames[setName] = setID
	db.mu.Unlock()

	n.cache.PinSet(key, pagecache.MRU, pagemanager.Write)
	n.logger.Info("Set added",
		zap.String("database", dbName),
		zap.String("type", typeName),
		zap.String("set", setName),
		zap.Uint32("id", uint32(setID)))
	return set, nil
}

// GetSet looks a user set up by database and set name.
func (n *Namespace) GetSet(dbName, setName string) (*Set, error) {
	db, err := n.Database(dbName)
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	id, ok := db.setNames[setName]
	if !ok {
		return nil, fmt.Errorf("%w: set %s in database %s", flushmanager.ErrNotFound, setName, dbName)
	}
	return db.sets[id], nil
}

// SetByKey finds a user or temp set by its ids.
func (n *Namespace) SetByKey(key pagemanager.SetKey) (*Set, error) {
	if key.IsTemp() {
		return n.TempSet(key.SetID)
	}
	n.dbMu.RLock()
	db, ok := n.databases[key.DatabaseID]
	n.dbMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: database %d", flushmanager.ErrNotFound, key.DatabaseID)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	set, ok := db.sets[key.SetID]
	if !ok || set.key.TypeID != key.TypeID {
		return nil, fmt.Errorf("%w: set %d:%d in database %d", flushmanager.ErrNotFound, key.TypeID, key.SetID, key.DatabaseID)
	}
	return set, nil
}

// RemoveSet unregisters a set, drops its resident pages and deletes its
// files.
func (n *Namespace) RemoveSet(dbName, setName string) error {
	db, err := n.Database(dbName)
	if err != nil {
		return err
	}
	db.mu.Lock()
	id, ok := db.setNames[setName]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: set %s in database %s", flushmanager.ErrNotFound, setName, dbName)
	}
	set := db.sets[id]
	delete(db.setNames, setName)
	delete(db.sets, id)
	db.mu.Unlock()

	return n.dropSet(set)
}

func (n *Namespace) dropSet(set *Set) error {
	dropped := n.cache.DropSet(set.key)
	if err := set.file.Remove(); err != nil {
		return fmt.Errorf("remove set %s: %w", set.name, err)
	}
	n.logger.Info("Set removed",
		zap.String("set", set.name),
		zap.Uint32("database_id", uint32(set.key.DatabaseID)),
		zap.Uint32("set_id", uint32(set.key.SetID)),
		zap.Int("dropped_pages", dropped))
	return nil
}

// ClearSet empties a set by removing and recreating it. The recreated set
// gets a new id.
func (n *Namespace) ClearSet(dbName, typeName, setName string) (*Set, error) {
	if err := n.RemoveSet(dbName, setName); err != nil {
		return nil, err
	}
	return n.AddSet(dbName, typeName, setName)
}

// AddTempSet creates a set that belongs to no database.
func (n *Namespace) AddTempSet(name string) (*Set, error) {
	if err := validName("temp set", name); err != nil {
		return nil, err
	}
	n.tempMu.RLock()
	_, exists := n.tempNames[name]
	n.tempMu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: temp set %s", flushmanager.ErrAlreadyExists, name)
	}

	id := pagemanager.SetID(n.tempSeq.Next())
	file, err := partitionedfile.Create(n.fs, n.tempDirs(id, name), n.pageSize, n.logger)
	if err != nil {
		return nil, fmt.Errorf("create temp set %s: %w", name, err)
	}
	key := pagemanager.SetKey{SetID: id}
	set := n.newSet(key, name, "", file)

	n.tempMu.Lock()
	if _, exists := n.tempNames[name]; exists {
		n.tempMu.Unlock()
		file.Remove()
		return nil, fmt.Errorf("%w: temp set %s", flushmanager.ErrAlreadyExists, name)
	}
	n.temps[id] = set
	n.tempNames[name] = id
	n.tempMu.Unlock()

	n.cache.PinSet(key, pagecache.MRU, pagemanager.Write)
	n.logger.Info("Temp set added", zap.String("set", name), zap.Uint32("id", uint32(id)))
	return set, nil
}

func (n *Namespace) TempSet(id pagemanager.SetID) (*Set, error) {
	n.tempMu.RLock()
	defer n.tempMu.RUnlock()
	set, ok := n.temps[id]
	if !ok {
		return nil, fmt.Errorf("%w: temp set %d", flushmanager.ErrNotFound, id)
	}
	return set, nil
}

func (n *Namespace) RemoveTempSet(id pagemanager.SetID) error {
	n.tempMu.Lock()
	set, ok := n.temps[id]
	if !ok {
		n.tempMu.Unlock()
		return fmt.Errorf("%w: temp set %d", flushmanager.ErrNotFound, id)
	}
	delete(n.temps, id)
	delete(n.tempNames, set.name)
	n.tempMu.Unlock()
	return n.dropSet(set)
}

// Close syncs and closes every set file. Dirty pages must be flushed
// first.
func (n *Namespace) Close() error {
	var errs []error
	for _, db := range n.Databases() {
		for _, s := range db.Sets() {
			if err := s.close(); err != nil {
				errs = append(errs, fmt.Errorf("close set %s: %w", s.name, err))
			}
		}
	}
	n.tempMu.RLock()
	for _, s := range n.temps {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("close temp set %s: %w", s.name, err))
		}
	}
	n.tempMu.RUnlock()
	return errors.Join(errs...)
}
