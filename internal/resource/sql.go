package resource

import (
	"context"
	"database/sql"
	"errors"
	"net/url"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// LibPQOpener connects with lib/pq.
func LibPQOpener() Opener {
	return sqlOpener{
		driver: "postgres",
		dsn:    ConnParams.ConnString,
		txOpts: &sql.TxOptions{ReadOnly: true},
	}
}

// SQLiteOpener opens the database file named by DBName read only. A missing
// file is an open error, never an empty new database.
func SQLiteOpener() Opener {
	return sqlOpener{
		driver: "sqlite",
		dsn:    sqliteDSN,
		txOpts: nil,
	}
}

func sqliteDSN(p ConnParams) string {
	u := url.URL{Scheme: "file", Opaque: p.DBName, RawQuery: "mode=ro"}
	return u.String()
}

type sqlOpener struct {
	driver string
	dsn    func(ConnParams) string
	txOpts *sql.TxOptions
}

func (o sqlOpener) Open(ctx context.Context, params ConnParams) (Conn, error) {
	db, err := sql.Open(o.driver, o.dsn(params))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	// sql.DB connects lazily
	if err := conn.PingContext(ctx); err != nil {
		return nil, errors.Join(err, conn.Close(), db.Close())
	}
	return &sqlConn{db: db, conn: conn, txOpts: o.txOpts}, nil
}

type sqlConn struct {
	db     *sql.DB
	conn   *sql.Conn
	txOpts *sql.TxOptions
}

func (c *sqlConn) QueryReadOnly(ctx context.Context, query string, args ...any) ([]Row, error) {
	tx, err := c.conn.BeginTx(ctx, c.txOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = result.Close()
	}()

	columns, err := result.Columns()
	if err != nil {
		return nil, err
	}
	var rows []Row
	for result.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := result.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	if err := result.Close(); err != nil {
		return nil, err
	}
	return rows, tx.Commit()
}

func (c *sqlConn) Close(context.Context) error {
	return errors.Join(c.conn.Close(), c.db.Close())
}
