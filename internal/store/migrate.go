package store

import (
	"gorm.io/gorm"
)

// autoMigrate syncs the schema for every entity the façade serves,
// then probes for FTS5 support: attempt a virtual table, and fall back
// to a plain table (here, just the usages table's own index) when the
// driver doesn't support it. Postgres never reaches the FTS5 branch —
// usages_fts stays absent and SearchUsages falls back to LIKE, which
// is also gorm-portable across both backends.
func autoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Project{},
		&Dataset{},
		&File{},
		&ASTTree{},
		&CSTTreeRow{},
		&Class{},
		&Function{},
		&Method{},
		&Import{},
		&Usage{},
		&Issue{},
		&CodeDuplicate{},
		&VectorIndex{},
	); err != nil {
		return err
	}

	tryEnableUsagesFTS(db)
	return nil
}

// tryEnableUsagesFTS creates an FTS5 virtual index over usages.
// symbol_name on sqlite when the FTS5 module is compiled in; it is a
// best-effort addition, not a migration failure, since a missing FTS5
// module just leaves SearchUsages on its LIKE fallback.
func tryEnableUsagesFTS(db *gorm.DB) {
	if db.Dialector.Name() != "sqlite" {
		return
	}
	if err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS usages_fts USING fts5(symbol_name, content='usages', content_rowid='rowid')`).Error; err != nil {
		return
	}
	db.Exec(`INSERT INTO usages_fts(rowid, symbol_name) SELECT rowid, symbol_name FROM usages WHERE rowid NOT IN (SELECT rowid FROM usages_fts)`)
}

// ftsAvailable reports whether the usages_fts virtual table exists.
func ftsAvailable(db *gorm.DB) bool {
	if db.Dialector.Name() != "sqlite" {
		return false
	}
	var count int64
	db.Raw(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='usages_fts'`).Scan(&count)
	return count > 0
}
