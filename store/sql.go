package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var embedMigrations embed.FS

// Dialect selects the SQL flavour used by SQLStore.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

const userColumns = `id, email, first_name, last_name, profile_image_url, nickname,
	residence_city, residence_district, residence_dong, target_areas, purchase_timeline,
	available_funds, family_types, interests, onboarding_completed, created_at, updated_at`

const userInsert = `INSERT INTO users (` + userColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// upsertStatement builds the insert with a conflict clause that updates only
// the written columns.
func upsertStatement(dialect Dialect, columns []string) string {
	var b strings.Builder
	b.WriteString(userInsert)
	if dialect == DialectMySQL {
		b.WriteString("\nON DUPLICATE KEY UPDATE")
		for _, c := range columns {
			fmt.Fprintf(&b, "\n\t%s = VALUES(%s),", c, c)
		}
		b.WriteString("\n\tupdated_at = VALUES(updated_at)")
		return b.String()
	}
	b.WriteString("\nON CONFLICT(id) DO UPDATE SET")
	for _, c := range columns {
		fmt.Fprintf(&b, "\n\t%s = excluded.%s,", c, c)
	}
	b.WriteString("\n\tupdated_at = excluded.updated_at")
	return b.String()
}

// SQLStore implements Store on SQLite or MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens the database, applies migrations and returns the store.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// A single writer avoids SQLITE_BUSY under concurrent upserts.
		db.SetMaxOpenConns(1)
	case DialectMySQL:
		mysqlCfg, perr := mysql.ParseDSN(dsn)
		if perr != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", perr)
		}
		if mysqlCfg.Params == nil {
			mysqlCfg.Params = map[string]string{}
		}
		mysqlCfg.Params["charset"] = "utf8mb4"
		db, err = sql.Open("mysql", mysqlCfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql connection: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := runMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	gooseDialect := database.DialectSQLite3
	if dialect == DialectMySQL {
		gooseDialect = database.DialectMySQL
	}

	provider, err := goose.NewProvider(gooseDialect, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// UpsertUser inserts the user row, or updates only the written columns of an
// existing one, and returns it as stored.
func (s *SQLStore) UpsertUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	if attrs.ID == "" {
		return nil, errors.New("user id required")
	}

	targetAreas, err := encodeJSON(attrs.TargetAreas)
	if err != nil {
		return nil, fmt.Errorf("encoding target areas: %w", err)
	}
	familyTypes, err := encodeJSON(attrs.FamilyTypes)
	if err != nil {
		return nil, fmt.Errorf("encoding family types: %w", err)
	}
	interests, err := encodeJSON(attrs.Interests)
	if err != nil {
		return nil, fmt.Errorf("encoding interests: %w", err)
	}

	stmt := upsertStatement(s.dialect, attrs.written())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := s.now().UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, stmt,
		attrs.ID, attrs.Email, attrs.FirstName, attrs.LastName, attrs.ProfileImageURL, attrs.Nickname,
		attrs.ResidenceCity, attrs.ResidenceDistrict, attrs.ResidenceDong, targetAreas, attrs.PurchaseTimeline,
		attrs.AvailableFunds, familyTypes, interests, attrs.OnboardingCompleted, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, attrs.ID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return user, nil
}

// GetUser loads a user row.
func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u                                     User
		email, firstName, lastName, image     sql.NullString
		nickname, city, district, dong        sql.NullString
		targetAreas, funds, family, interests sql.NullString
		timeline                              sql.NullInt64
		onboarding                            sql.NullBool
		createdAt, updatedAt                  int64
	)
	err := row.Scan(&u.ID, &email, &firstName, &lastName, &image, &nickname,
		&city, &district, &dong, &targetAreas, &timeline,
		&funds, &family, &interests, &onboarding, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.Email = nullString(email)
	u.FirstName = nullString(firstName)
	u.LastName = nullString(lastName)
	u.ProfileImageURL = nullString(image)
	u.Nickname = nullString(nickname)
	u.ResidenceCity = nullString(city)
	u.ResidenceDistrict = nullString(district)
	u.ResidenceDong = nullString(dong)
	u.AvailableFunds = nullString(funds)
	if timeline.Valid {
		n := int(timeline.Int64)
		u.PurchaseTimeline = &n
	}
	if onboarding.Valid {
		b := onboarding.Bool
		u.OnboardingCompleted = &b
	}
	if err := decodeJSON(targetAreas, &u.TargetAreas); err != nil {
		return nil, fmt.Errorf("decoding target areas: %w", err)
	}
	if err := decodeJSON(family, &u.FamilyTypes); err != nil {
		return nil, fmt.Errorf("decoding family types: %w", err)
	}
	if err := decodeJSON(interests, &u.Interests); err != nil {
		return nil, fmt.Errorf("decoding interests: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	u.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &u, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// encodeJSON returns nil for nil slices so the column stays NULL.
func encodeJSON[T any](v []T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(v sql.NullString, dst any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), dst)
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
