// Package resource implements the resource worker: a unit of work which
// opens one connection to an external store, reads one record inside a
// read-only transaction, logs it and releases the connection.
//
// Stores are reached through the Opener and Conn capabilities, so the worker
// does not depend on a wire protocol. Three drivers are provided:
//
//	postgres  github.com/jackc/pgx/v5
//	libpq     github.com/lib/pq over database/sql
//	sqlite    modernc.org/sqlite over database/sql, dbname is the file path
package resource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/workerd/internal/model"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrOpen          = errors.New("opening store connection")
	ErrQuery         = errors.New("querying store")
)

// Row is a single result row addressable by column name.
type Row map[string]any

// Conn is one exclusively owned store connection.
type Conn interface {
	// QueryReadOnly runs query inside a read-only transaction.
	QueryReadOnly(ctx context.Context, query string, args ...any) ([]Row, error)
	Close(ctx context.Context) error
}

type Opener interface {
	Open(ctx context.Context, params ConnParams) (Conn, error)
}

type OpenerFunc func(ctx context.Context, params ConnParams) (Conn, error)

func (f OpenerFunc) Open(ctx context.Context, params ConnParams) (Conn, error) {
	return f(ctx, params)
}

type ConnParams struct {
	DBName   string
	User     string
	Password string
	HostAddr string
	Port     int
	SSLMode  string
	// ConnectTimeout is rounded up to whole seconds in the connection string.
	ConnectTimeout time.Duration
}

func ParamsFromConfig(cfg model.Store) ConnParams {
	return ConnParams{
		DBName:         cfg.DBName,
		User:           cfg.User,
		Password:       cfg.Password,
		HostAddr:       cfg.HostAddr,
		Port:           cfg.Port,
		SSLMode:        cfg.SSLMode,
		ConnectTimeout: cfg.QueryTimeout.Std(),
	}
}

// ConnString returns the keyword=value form understood by libpq compatible
// drivers. hostaddr is passed as host, which accepts numeric addresses too.
func (p ConnParams) ConnString() string {
	var sb strings.Builder
	add := func(key, value string) {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(quote(value))
	}
	add("host", p.HostAddr)
	add("port", strconv.Itoa(p.Port))
	add("dbname", p.DBName)
	add("user", p.User)
	add("password", p.Password)
	if p.SSLMode != "" {
		add("sslmode", p.SSLMode)
	}
	if p.ConnectTimeout > 0 {
		secs := (p.ConnectTimeout + time.Second - 1) / time.Second
		add("connect_timeout", strconv.Itoa(int(secs)))
	}
	return sb.String()
}

// String is ConnString with the password masked.
func (p ConnParams) String() string {
	if p.Password != "" {
		p.Password = "xxxxx"
	}
	return p.ConnString()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`+"\t\n") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// NewOpener returns the Opener of a driver name.
func NewOpener(driver string) (Opener, error) {
	switch driver {
	case model.DriverPostgres, "":
		return PgxOpener(), nil
	case model.DriverLibPQ:
		return LibPQOpener(), nil
	case model.DriverSQLite:
		return SQLiteOpener(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
