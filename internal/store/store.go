package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	libsql "github.com/tursodatabase/libsql-client-go/libsql"
	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TxnID identifies an open transaction obtained from Begin.
type TxnID string

// Facade is the row-store contract the persistence pipeline and any
// external indexer use. One underlying *gorm.DB backs it: sqlite (the
// local default), postgres (shared/multi-project deployment) or a
// remote libsql endpoint, chosen by Connect from the DSN scheme.
type Facade interface {
	Begin(ctx context.Context) (TxnID, error)
	Commit(id TxnID) error
	Rollback(id TxnID) error

	UpsertProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	UpsertDataset(ctx context.Context, d *Dataset) error

	UpsertFile(ctx context.Context, f *File) error
	GetFileByPath(ctx context.Context, projectID, absPath string) (*File, error)
	ListFiles(ctx context.Context, projectID string) ([]File, error)
	HardDelete(ctx context.Context, fileID string) error

	ReplaceClasses(ctx context.Context, fileID string, rows []Class) error
	ReplaceFunctions(ctx context.Context, fileID string, rows []Function) error
	ReplaceMethods(ctx context.Context, fileID string, rows []Method) error
	ReplaceImports(ctx context.Context, fileID string, rows []Import) error
	ReplaceUsages(ctx context.Context, fileID string, rows []Usage) error

	SaveASTTree(ctx context.Context, t *ASTTree) error
	SaveCSTTree(ctx context.Context, t *CSTTreeRow) error

	CreateIssue(ctx context.Context, i *Issue) error
	ListIssues(ctx context.Context, fileID string) ([]Issue, error)
	DeleteIssue(ctx context.Context, id string) error

	CreateCodeDuplicate(ctx context.Context, d *CodeDuplicate) error
	ListCodeDuplicates(ctx context.Context, fileID string) ([]CodeDuplicate, error)

	UpsertVectorIndex(ctx context.Context, v *VectorIndex) error
	SearchUsages(ctx context.Context, query string) ([]Usage, error)
}

type gormFacade struct {
	db   *gorm.DB
	txns map[TxnID]*gorm.DB
}

// Connect opens a Facade backed by sqlite, postgres, or a remote
// libsql/Turso endpoint depending on dsn's scheme: a bare path or
// "sqlite://..." dials glebarez/sqlite (pure Go, no cgo);
// "postgres://..." or "postgresql://..." dials gorm.io/driver/postgres;
// "libsql://..." dials the libsql connector (edge-hosted sqlite),
// reading its auth token from CODETREE_LIBSQL_AUTH_TOKEN.
func Connect(dsn string) (Facade, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &gormFacade{db: db, txns: make(map[TxnID]*gorm.DB)}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		return sqlite.Open(path), nil
	case strings.HasPrefix(dsn, "libsql://"):
		return libsqlDialector(dsn)
	case isURL(dsn):
		return nil, fmt.Errorf("store: unsupported DSN scheme: %s", dsn)
	default:
		if err := ensureParentDir(dsn); err != nil {
			return nil, err
		}
		return sqlite.Open(dsn), nil
	}
}

// libsqlDialector opens a remote libsql/Turso connection through
// gorm.io/driver/sqlite's custom-Conn path, the way a libsql-backed
// deployment needs its driver name pinned to "libsql" rather than the
// pure-Go glebarez sqlite driver used for local files.
func libsqlDialector(dsn string) (gorm.Dialector, error) {
	var (
		connector driver.Connector
		err       error
	)

	token := os.Getenv("CODETREE_LIBSQL_AUTH_TOKEN")
	if token != "" {
		connector, err = libsql.NewConnector(dsn, libsql.WithAuthToken(token))
	} else {
		connector, err = libsql.NewConnector(dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("store: libsql connector: %w", err)
	}

	conn := sql.OpenDB(connector)
	return gormsqlite.New(gormsqlite.Config{
		DriverName: "libsql",
		Conn:       conn,
		DSN:        dsn,
	}), nil
}

// isURL reports whether dsn names a network scheme rather than a
// local file path.
func isURL(dsn string) bool {
	return strings.Contains(dsn, "://")
}

func ensureParentDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", dir, err)
	}
	return nil
}

// Begin opens a transaction and returns an opaque id future calls use
// to Commit or Rollback it.
func (f *gormFacade) Begin(ctx context.Context) (TxnID, error) {
	tx := f.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return "", fmt.Errorf("store: begin: %w", tx.Error)
	}
	id := TxnID(newID())
	f.txns[id] = tx
	return id, nil
}

func (f *gormFacade) Commit(id TxnID) error {
	tx, ok := f.txns[id]
	if !ok {
		return fmt.Errorf("store: unknown transaction %q", id)
	}
	delete(f.txns, id)
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (f *gormFacade) Rollback(id TxnID) error {
	tx, ok := f.txns[id]
	if !ok {
		return fmt.Errorf("store: unknown transaction %q", id)
	}
	delete(f.txns, id)
	if err := tx.Rollback().Error; err != nil {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

func (f *gormFacade) UpsertProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return f.db.WithContext(ctx).Save(p).Error
}

func (f *gormFacade) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := f.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *gormFacade) UpsertDataset(ctx context.Context, d *Dataset) error {
	if d.ID == "" {
		d.ID = newID()
	}
	return f.db.WithContext(ctx).Save(d).Error
}

func (f *gormFacade) UpsertFile(ctx context.Context, file *File) error {
	if file.ID == "" {
		file.ID = newID()
	}
	return f.db.WithContext(ctx).Save(file).Error
}

func (f *gormFacade) GetFileByPath(ctx context.Context, projectID, absPath string) (*File, error) {
	var file File
	err := f.db.WithContext(ctx).
		Where("project_id = ? AND abs_path = ?", projectID, absPath).
		First(&file).Error
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *gormFacade) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	var files []File
	err := f.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&files).Error
	return files, err
}

// HardDelete permanently removes fileID's row and every fact replayed
// against it, in a single transaction. Unlike the soft-delete flag on
// File, this cannot be undone by a later save of the same path.
func (f *gormFacade) HardDelete(ctx context.Context, fileID string) error {
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		children := []any{&ASTTree{}, &CSTTreeRow{}, &Class{}, &Function{}, &Method{}, &Import{}, &Usage{}, &Issue{}, &VectorIndex{}}
		for _, model := range children {
			if err := tx.Where("file_id = ?", fileID).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("file_id = ? OR other_file = ?", fileID, fileID).Delete(&CodeDuplicate{}).Error; err != nil {
			return err
		}
		return tx.Delete(&File{}, "id = ?", fileID).Error
	})
}

// replaceChildren deletes every row tied to fileID for type T, then
// inserts rows, so a save's per-file fact replay never leaves stale
// entries from a previous version of the file.
func replaceChildren[T any](ctx context.Context, db *gorm.DB, fileID string, rows []T) error {
	var zero T
	if err := db.WithContext(ctx).Where("file_id = ?", fileID).Delete(&zero).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&rows).Error
}

func (f *gormFacade) ReplaceClasses(ctx context.Context, fileID string, rows []Class) error {
	return replaceChildren(ctx, f.db, fileID, rows)
}

func (f *gormFacade) ReplaceFunctions(ctx context.Context, fileID string, rows []Function) error {
	return replaceChildren(ctx, f.db, fileID, rows)
}

func (f *gormFacade) ReplaceMethods(ctx context.Context, fileID string, rows []Method) error {
	return replaceChildren(ctx, f.db, fileID, rows)
}

func (f *gormFacade) ReplaceImports(ctx context.Context, fileID string, rows []Import) error {
	return replaceChildren(ctx, f.db, fileID, rows)
}

func (f *gormFacade) ReplaceUsages(ctx context.Context, fileID string, rows []Usage) error {
	return replaceChildren(ctx, f.db, fileID, rows)
}

func (f *gormFacade) SaveASTTree(ctx context.Context, t *ASTTree) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return f.db.WithContext(ctx).Create(t).Error
}

func (f *gormFacade) SaveCSTTree(ctx context.Context, t *CSTTreeRow) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return f.db.WithContext(ctx).Create(t).Error
}

func (f *gormFacade) CreateIssue(ctx context.Context, i *Issue) error {
	if i.ID == "" {
		i.ID = newID()
	}
	return f.db.WithContext(ctx).Create(i).Error
}

func (f *gormFacade) ListIssues(ctx context.Context, fileID string) ([]Issue, error) {
	var issues []Issue
	err := f.db.WithContext(ctx).Where("file_id = ?", fileID).Find(&issues).Error
	return issues, err
}

func (f *gormFacade) DeleteIssue(ctx context.Context, id string) error {
	return f.db.WithContext(ctx).Delete(&Issue{}, "id = ?", id).Error
}

func (f *gormFacade) CreateCodeDuplicate(ctx context.Context, d *CodeDuplicate) error {
	if d.ID == "" {
		d.ID = newID()
	}
	return f.db.WithContext(ctx).Create(d).Error
}

func (f *gormFacade) ListCodeDuplicates(ctx context.Context, fileID string) ([]CodeDuplicate, error) {
	var dups []CodeDuplicate
	err := f.db.WithContext(ctx).Where("file_id = ? OR other_file = ?", fileID, fileID).Find(&dups).Error
	return dups, err
}

func (f *gormFacade) UpsertVectorIndex(ctx context.Context, v *VectorIndex) error {
	if v.ID == "" {
		v.ID = newID()
	}
	return f.db.WithContext(ctx).Save(v).Error
}

// SearchUsages looks up symbol usages by name. When the usages_fts
// virtual table was created (sqlite with FTS5 available, see
// autoMigrate), it is used for substring/prefix search; otherwise this
// falls back to a plain LIKE scan over the usages table.
func (f *gormFacade) SearchUsages(ctx context.Context, query string) ([]Usage, error) {
	var usages []Usage
	if ftsAvailable(f.db) {
		err := f.db.WithContext(ctx).Raw(`
			SELECT usages.* FROM usages
			JOIN usages_fts ON usages_fts.rowid = usages.rowid
			WHERE usages_fts MATCH ?
		`, query).Scan(&usages).Error
		return usages, err
	}
	err := f.db.WithContext(ctx).
		Where("symbol_name LIKE ?", "%"+query+"%").
		Find(&usages).Error
	return usages, err
}
