// Package store is the row-store façade the persistence pipeline and
// any external indexer read and write through. It never runs tree
// analysis itself — codetree's core only replays facts into it
// (classes, functions, methods, imports, usages) during save; the
// analytical entities (Issue, CodeDuplicate, VectorIndex) exist here
// as a write contract for other tools.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Project is a codetree-managed root directory.
type Project struct {
	ID       string `gorm:"primaryKey;type:varchar(36)"`
	RootPath string `gorm:"type:text;uniqueIndex;not null"`
	Name     string `gorm:"type:varchar(255)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Project) TableName() string { return "projects" }

// Dataset is a named, independently indexed sub-root of a Project.
type Dataset struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	ProjectID string `gorm:"type:varchar(36);index;not null"`
	Name      string `gorm:"type:varchar(255);not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Dataset) TableName() string { return "datasets" }

// File is one tracked source file.
type File struct {
	ID           string  `gorm:"primaryKey;type:varchar(36)"`
	ProjectID    string  `gorm:"type:varchar(36);index;not null"`
	DatasetID    string  `gorm:"type:varchar(36);index"`
	AbsPath      string  `gorm:"type:text;not null"`
	ContentHash  string  `gorm:"type:varchar(64)"`
	LineCount    int     `gorm:"default:0"`
	ModifiedAt   time.Time
	Deleted      bool    `gorm:"default:false"`
	OriginalPath *string `gorm:"type:text"` // set when Deleted, for move/rename tracking

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (File) TableName() string { return "files" }

// ASTTree is a persisted parsed-AST snapshot of a File, taken at save
// time.
type ASTTree struct {
	ID       string         `gorm:"primaryKey;type:varchar(36)"`
	FileID   string         `gorm:"type:varchar(36);index;not null"`
	AST      datatypes.JSON `gorm:"type:jsonb"`
	TakenAt  time.Time      `gorm:"autoCreateTime"`
}

func (ASTTree) TableName() string { return "ast_trees" }

// CSTTreeRow is a persisted CST source snapshot of a File.
type CSTTreeRow struct {
	ID      string    `gorm:"primaryKey;type:varchar(36)"`
	FileID  string    `gorm:"type:varchar(36);index;not null"`
	Source  string    `gorm:"type:text"`
	TakenAt time.Time `gorm:"autoCreateTime"`
}

func (CSTTreeRow) TableName() string { return "cst_trees" }

// Class is a class definition found in a File.
type Class struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	FileID    string `gorm:"type:varchar(36);index;not null"`
	Name      string `gorm:"type:varchar(255);not null"`
	Qualname  string `gorm:"type:varchar(512);index"`
	StartLine int
	EndLine   int
}

func (Class) TableName() string { return "classes" }

// Function is a function definition found in a File outside any class.
type Function struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	FileID    string `gorm:"type:varchar(36);index;not null"`
	Name      string `gorm:"type:varchar(255);not null"`
	Qualname  string `gorm:"type:varchar(512);index"`
	StartLine int
	EndLine   int
}

func (Function) TableName() string { return "functions" }

// Method is a function definition nested anywhere inside a class.
type Method struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	ClassID   string `gorm:"type:varchar(36);index;not null"`
	FileID    string `gorm:"type:varchar(36);index;not null"`
	Name      string `gorm:"type:varchar(255);not null"`
	Qualname  string `gorm:"type:varchar(512);index"`
	StartLine int
	EndLine   int
}

func (Method) TableName() string { return "methods" }

// Import is one import or import-from statement found in a File.
type Import struct {
	ID     string `gorm:"primaryKey;type:varchar(36)"`
	FileID string `gorm:"type:varchar(36);index;not null"`
	Module string `gorm:"type:varchar(512);not null"`
	Alias  string `gorm:"type:varchar(255)"`
	Line   int
}

func (Import) TableName() string { return "imports" }

// Usage is one reference to a symbol found in a File. A save clears
// the file's usage rows and writes none of its own; rows come only
// from external indexers.
type Usage struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	FileID     string `gorm:"type:varchar(36);index;not null"`
	SymbolName string `gorm:"type:varchar(512);index;not null"`
	Line       int
	Kind       string `gorm:"type:varchar(50)"` // call, reference, assignment, ...
}

func (Usage) TableName() string { return "usages" }

// Issue is an analytical finding about a File. codetree's core never
// writes these; the façade exposes CRUD so an external indexer can.
type Issue struct {
	ID       string `gorm:"primaryKey;type:varchar(36)"`
	FileID   string `gorm:"type:varchar(36);index;not null"`
	Severity string `gorm:"type:varchar(20)"`
	Message  string `gorm:"type:text"`
	Line     int

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Issue) TableName() string { return "issues" }

// CodeDuplicate links two files as a detected duplicate pair. Like
// Issue, populated only by external tooling.
type CodeDuplicate struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)"`
	FileID    string  `gorm:"type:varchar(36);index;not null"`
	OtherFile string  `gorm:"type:varchar(36);index;not null"`
	Score     float64 `gorm:"type:decimal(5,4)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (CodeDuplicate) TableName() string { return "code_duplicates" }

// VectorIndex holds an embedding for a File (or a node within it),
// populated only by an external indexer.
type VectorIndex struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)"`
	FileID    string         `gorm:"type:varchar(36);index;not null"`
	NodeID    string         `gorm:"type:varchar(512)"`
	Embedding datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (VectorIndex) TableName() string { return "vector_index" }

// newID returns a fresh row identifier for any entity above.
func newID() string { return uuid.NewString() }
