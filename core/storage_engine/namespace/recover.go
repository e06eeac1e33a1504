package namespace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	partitionedfile "github.com/sushant-115/pagestore/core/storage_engine/partitioned_file"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagecache "github.com/sushant-115/pagestore/core/write_engine/page_cache"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// typeObserver is implemented by registries that learn types from disk.
type typeObserver interface {
	Observe(name string, id pagemanager.TypeID)
}

type dirEntry struct {
	id   uint32
	name string
	dir  string
}

// Recover rebuilds the hierarchy from the directories of the first volume
// and raises every id generator above the largest id found. A missing
// volume root fails with ErrRootMissing; an unreadable database directory
// or a corrupt set fails with ErrMalformedLayout. Entries whose names do
// not parse as "<id>_<name>" are skipped. Temp sets do not survive a
// restart.
func (n *Namespace) Recover(ctx context.Context) error {
	for _, v := range n.volumes {
		info, err := n.fs.Stat(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", flushmanager.ErrRootMissing, v, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", flushmanager.ErrRootMissing, v)
		}
	}
	for _, v := range n.volumes {
		if err := n.fs.RemoveAll(filepath.Join(v, tempDirName)); err != nil {
			n.logger.Warn("Failed to wipe temp sets", zap.String("volume", v), zap.Error(err))
		}
	}

	candidates, err := n.listIDDirs(n.volumes[0], "database")
	if err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrRootMissing, err)
	}

	dbs := make([]*Database, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() error {
			db, err := n.recoverDatabase(pagemanager.DatabaseID(c.id), c.name, c.dir)
			if err != nil {
				return err
			}
			dbs[i] = db
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeDatabases(dbs)
		return err
	}

	n.dbMu.Lock()
	names := make(map[string]bool, len(dbs))
	for _, db := range dbs {
		_, registered := n.dbNames[db.Name]
		if registered || names[db.Name] {
			n.dbMu.Unlock()
			closeDatabases(dbs)
			return fmt.Errorf("%w: database name %s used twice", flushmanager.ErrMalformedLayout, db.Name)
		}
		names[db.Name] = true
	}
	for _, db := range dbs {
		n.databases[db.ID] = db
		n.dbNames[db.Name] = db.ID
		n.dbSeq.Observe(uint32(db.ID))
	}
	n.dbMu.Unlock()

	sets := 0
	for _, db := range dbs {
		for _, s := range db.Sets() {
			n.cache.PinSet(s.key, pagecache.MRU, pagemanager.Write)
			sets++
		}
	}
	n.logger.Info("Namespace recovered",
		zap.Int("databases", len(dbs)),
		zap.Int("sets", sets),
		zap.Uint32("next_database_id", n.dbSeq.Peek()))
	return nil
}

// listIDDirs returns the "<id>_<name>" subdirectories of dir. Ids must be
// unique.
func (n *Namespace) listIDDirs(dir, kind string) ([]dirEntry, error) {
	entries, err := n.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []dirEntry
	seen := make(map[uint32]string)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == tempDirName {
			continue
		}
		id, name, ok := parseDirName(e.Name())
		if !ok {
			n.logger.Warn("Skipping unrecognised directory",
				zap.String("kind", kind),
				zap.String("path", filepath.Join(dir, e.Name())))
			continue
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s id %d used by %s and %s", flushmanager.ErrMalformedLayout, kind, id, prev, name)
		}
		seen[id] = name
		out = append(out, dirEntry{id: id, name: name, dir: filepath.Join(dir, e.Name())})
	}
	return out, nil
}

func (n *Namespace) recoverDatabase(id pagemanager.DatabaseID, name, dir string) (*Database, error) {
	db := newDatabase(id, name)
	types, err := n.listIDDirs(dir, "type")
	if err != nil {
		return nil, fmt.Errorf("%w: database %s: %v", flushmanager.ErrMalformedLayout, name, err)
	}
	for _, dbDir := range n.databaseDirs(id, name)[1:] {
		if err := n.fs.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", flushmanager.ErrIO, dbDir, err)
		}
	}

	for _, t := range types {
		typ := Type{ID: pagemanager.TypeID(t.id), Name: t.name}
		db.types[typ.ID] = &typ
		if obs, ok := n.registry.(typeObserver); ok {
			obs.Observe(typ.Name, typ.ID)
		}

		sets, err := n.listIDDirs(t.dir, "set")
		if err != nil {
			closeDatabases([]*Database{db})
			return nil, fmt.Errorf("%w: database %s: %v", flushmanager.ErrMalformedLayout, name, err)
		}
		for _, s := range sets {
			set, err := n.recoverSet(db, typ, pagemanager.SetID(s.id), s.name)
			if err != nil {
				closeDatabases([]*Database{db})
				return nil, err
			}
			if _, dup := db.setNames[s.name]; dup {
				set.file.Close()
				closeDatabases([]*Database{db})
				return nil, fmt.Errorf("%w: set name %s used twice in database %s", flushmanager.ErrMalformedLayout, s.name, name)
			}
			if _, dup := db.sets[set.key.SetID]; dup {
				set.file.Close()
				closeDatabases([]*Database{db})
				return nil, fmt.Errorf("%w: set id %d used twice in database %s", flushmanager.ErrMalformedLayout, s.id, name)
			}
			db.sets[set.key.SetID] = set
			db.setNames[s.name] = set.key.SetID
			db.setSeq.Observe(s.id)
		}
	}
	n.logger.Debug("Database recovered",
		zap.String("database", name),
		zap.Uint32("id", uint32(id)),
		zap.Int("types", len(db.types)),
		zap.Int("sets", len(db.sets)))
	return db, nil
}

func (n *Namespace) recoverSet(db *Database, typ Type, id pagemanager.SetID, name string) (*Set, error) {
	dirs := n.setDirs(db, typ, id, name)
	if _, err := n.fs.Stat(filepath.Join(dirs[0], partitionedfile.MetaFileName)); err != nil {
		return nil, fmt.Errorf("%w: set %s in database %s has no page index: %v", flushmanager.ErrMalformedLayout, name, db.Name, err)
	}
	for _, dir := range dirs[1:] {
		if err := n.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", flushmanager.ErrIO, dir, err)
		}
	}
	file, err := partitionedfile.Open(n.fs, dirs, n.logger)
	if err != nil {
		if errors.Is(err, flushmanager.ErrMalformedLayout) {
			return nil, fmt.Errorf("set %s in database %s: %w", name, db.Name, err)
		}
		return nil, fmt.Errorf("%w: set %s in database %s: %w", flushmanager.ErrMalformedLayout, name, db.Name, err)
	}
	if file.PageSize() != n.pageSize {
		file.Close()
		return nil, fmt.Errorf("%w: set %s in database %s has page size %d, want %d",
			flushmanager.ErrMalformedLayout, name, db.Name, file.PageSize(), n.pageSize)
	}
	key := pagemanager.SetKey{DatabaseID: db.ID, TypeID: typ.ID, SetID: id}
	return n.newSet(key, name, typ.Name, file), nil
}

func closeDatabases(dbs []*Database) {
	for _, db := range dbs {
		if db == nil {
			continue
		}
		for _, s := range db.sets {
			s.file.Close()
		}
	}
}
