package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bregeon/LidarEyeball/internal/errors"
)

// Dialects understood by FSProvider
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// FSProvider loads migrations from a directory of an fs.FS and records the
// applied version in a tracking table
type FSProvider struct {
	fsys    fs.FS
	dir     string
	table   string
	dialect string
}

// NewFSProvider creates a provider reading dir inside fsys. The tracking
// table defaults to schema_migrations and the dialect to SQLite.
func NewFSProvider(fsys fs.FS, dir, table, dialect string) *FSProvider {
	if table == "" {
		table = "schema_migrations"
	}
	if dialect == "" {
		dialect = DialectSQLite
	}
	return &FSProvider{fsys: fsys, dir: dir, table: table, dialect: dialect}
}

// GetMigrations parses every NNN_name.{up,down}.sql file under the directory
func (p *FSProvider) GetMigrations() ([]Migration, error) {
	byVersion := make(map[int]*Migration)
	err := fs.WalkDir(p.fsys, p.dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := migrationFile.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return errors.Wrapf(err, "migration file %s", d.Name())
		}
		content, err := fs.ReadFile(p.fsys, name)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path.Base(name))
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: strings.ReplaceAll(m[2], "_", " ")}
			byVersion[version] = mig
		}
		if m[3] == "up" {
			mig.Up = string(content)
		} else {
			mig.Down = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading migration directory %s", p.dir)
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, *mig)
	}
	return migrations, nil
}

// CreateMigrationTable creates the tracking table when missing
func (p *FSProvider) CreateMigrationTable(db *sql.DB) error {
	stamp := "DATETIME"
	if p.dialect == DialectPostgres {
		stamp = "TIMESTAMP"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version INTEGER PRIMARY KEY,
		applied_at %s DEFAULT CURRENT_TIMESTAMP
	)`, p.table, stamp)
	if _, err := db.Exec(query); err != nil {
		return errors.Wrap(err, "creating migration table")
	}
	return nil
}

// GetCurrentVersion returns the highest recorded version
func (p *FSProvider) GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow(fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", p.table)).Scan(&version); err != nil {
		return 0, errors.Wrap(err, "reading schema version")
	}
	return version, nil
}

// SetVersion records version as the current one, forgetting any higher
// version left behind by a rollback
func (p *FSProvider) SetVersion(db DB, version int) error {
	del, ins := "DELETE FROM %s WHERE version > ?", "INSERT OR REPLACE INTO %s (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)"
	if p.dialect == DialectPostgres {
		del = "DELETE FROM %s WHERE version > $1"
		ins = "INSERT INTO %s (version, applied_at) VALUES ($1, CURRENT_TIMESTAMP) ON CONFLICT (version) DO UPDATE SET applied_at = CURRENT_TIMESTAMP"
	}
	if _, err := db.Exec(fmt.Sprintf(del, p.table), version); err != nil {
		return errors.Wrap(err, "clearing schema versions")
	}
	if version == 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf(ins, p.table), version); err != nil {
		return errors.Wrap(err, "recording schema version")
	}
	return nil
}
