package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	_ "github.com/go-sql-driver/mysql"

	"github.com/keytower/keytower"
)

const (
	defaultLoadKeyQuery    = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreKeyQuery   = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	storeSQLTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.store", keytower.MetricsPrefix), nil)
	loadSQLTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.load", keytower.MetricsPrefix), nil)
	loadLatestSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.loadlatest", keytower.MetricsPrefix), nil)
)

// DBType identifies a specific database/sql driver family, which
// determines the placeholder syntax used in queries.
type DBType string

// Supported DBType values. Only MySQL ships a registered driver in this
// module (github.com/go-sql-driver/mysql); Postgres/Oracle only adjust
// placeholder rewriting for callers supplying their own *sql.DB and driver.
const (
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"
	MySQL    DBType = "mysql"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q rewrites "?" placeholders to $1, $2, ... on Postgres or :1, :2, ... on
// Oracle, leaving MySQL's native "?" syntax untouched.
func (t DBType) q(query string) string {
	var pref string

	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return query
	}

	n := 0

	return qrx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLOption configures a SQL metastore.
type SQLOption func(*SQL)

// WithDBType configures the SQL metastore's placeholder syntax for the
// given driver family. Defaults to MySQL.
func WithDBType(t DBType) SQLOption {
	return func(s *SQL) {
		s.dbType = t
		s.loadKeyQuery = t.q(s.loadKeyQuery)
		s.storeKeyQuery = t.q(s.storeKeyQuery)
		s.loadLatestQuery = t.q(s.loadLatestQuery)
	}
}

// SQL implements Metastore atop database/sql, storing each
// EnvelopeKeyRecord as a JSON blob in an (id, created, key_record) table.
// See the wire shape notes on keytower.EnvelopeKeyRecord for the column
// this maps to.
type SQL struct {
	db *sql.DB

	dbType          DBType
	loadKeyQuery    string
	storeKeyQuery   string
	loadLatestQuery string
}

// NewSQL returns a SQL metastore using dbHandle, defaulting to MySQL
// placeholder syntax.
func NewSQL(dbHandle *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:              dbHandle,
		dbType:          DefaultDBType,
		loadKeyQuery:    defaultLoadKeyQuery,
		storeKeyQuery:   defaultStoreKeyQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(v ...interface{}) error
}

func parseEnvelope(keyID string, s scanner) (*keytower.EnvelopeKeyRecord, error) {
	var raw string

	if err := s.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, pkgerrors.Wrap(err, "error from scanner")
	}

	var record keytower.EnvelopeKeyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, pkgerrors.Wrap(err, "unable to unmarshal key record")
	}

	record.ID = keyID

	return &record, nil
}

// Load returns the record for (id, created), or nil if absent.
func (s *SQL) Load(ctx context.Context, id string, created int64) (*keytower.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(id, s.db.QueryRowContext(ctx, s.loadKeyQuery, id, time.Unix(created, 0)))
}

// LoadLatest returns the newest record matching id, or nil if none exists.
func (s *SQL) LoadLatest(ctx context.Context, id string) (*keytower.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(id, s.db.QueryRowContext(ctx, s.loadLatestQuery, id))
}

// Store attempts to insert record iff (id, created) doesn't already exist.
// database/sql has no portable way to distinguish a duplicate-key
// constraint violation from any other INSERT failure, so any error here is
// reported as (false, err); callers must treat both as "assume duplicate,
// fall back to LoadLatest."
func (s *SQL) Store(ctx context.Context, id string, created int64, record *keytower.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	b, err := json.Marshal(record)
	if err != nil {
		return false, pkgerrors.Wrap(err, "error marshaling envelope")
	}

	if _, err := s.db.ExecContext(ctx, s.storeKeyQuery, id, time.Unix(created, 0), string(b)); err != nil {
		return false, pkgerrors.Wrapf(err, "error storing key: %s, %d", id, created)
	}

	return true, nil
}

var _ keytower.Metastore = (*SQL)(nil)
