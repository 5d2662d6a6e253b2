// Package postgres implements the store.Driver interface on PostgreSQL
// with the pgvector extension. Nearest-neighbor queries run against HNSW
// indexes using cosine distance.
package postgres

import (
	"database/sql"
	"strconv"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/internal/profile"
)

// DB is the postgres implementation of store.Driver.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
	dim     int
}

// NewDB opens a connection to the configured PostgreSQL instance.
func NewDB(profile *profile.Profile) (*DB, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database with dsn: %s", profile.DSN)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{
		db:      db,
		profile: profile,
		dim:     profile.EmbeddingDimensions,
	}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// placeholder returns the parameter placeholder for position n ($1-based).
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
