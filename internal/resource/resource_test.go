package resource_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/CZERTAINLY/workerd/internal/log"
	"github.com/CZERTAINLY/workerd/internal/model"
	"github.com/CZERTAINLY/workerd/internal/resource"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

// captureLog installs a default logger writing messages and attributes only.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	h := log.NewPatternHandler(&buf, log.HandlerOptions{Pattern: "[%l] %v"})
	slog.SetDefault(slog.New(log.NewContextHandler(h)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestConnString(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    resource.ConnParams
		then     string
	}{
		{
			scenario: "defaults",
			given:    resource.ParamsFromConfig(model.DefaultConfig().Store),
			then:     "host=127.0.0.1 port=5432 dbname=testDB1 user=postgres password='' sslmode=prefer connect_timeout=5",
		},
		{
			scenario: "quoting",
			given: resource.ConnParams{
				DBName:   "my db",
				User:     "lzy",
				Password: `it's\secret`,
				HostAddr: "10.0.0.1",
				Port:     6543,
			},
			then: `host=10.0.0.1 port=6543 dbname='my db' user=lzy password='it\'s\\secret'`,
		},
		{
			scenario: "timeout rounded up",
			given: resource.ConnParams{
				DBName:         "d",
				User:           "u",
				Password:       "p",
				HostAddr:       "h",
				Port:           1,
				ConnectTimeout: 1500 * time.Millisecond,
			},
			then: "host=h port=1 dbname=d user=u password=p connect_timeout=2",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, tc.given.ConnString())
		})
	}
}

func TestConnParams_String(t *testing.T) {
	p := resource.ConnParams{DBName: "d", User: "u", Password: "hunter2", HostAddr: "h", Port: 1}
	require.NotContains(t, p.String(), "hunter2")
	require.Contains(t, p.ConnString(), "hunter2")
}

func TestNewOpener(t *testing.T) {
	for _, driver := range []string{model.DriverPostgres, model.DriverLibPQ, model.DriverSQLite, ""} {
		o, err := resource.NewOpener(driver)
		require.NoError(t, err, driver)
		require.NotNil(t, o)
	}
	_, err := resource.NewOpener("oracle")
	require.ErrorIs(t, err, resource.ErrUnknownDriver)
}

const companyQuery = "SELECT * FROM company WHERE id = $1"

func storeConfig() model.Store {
	cfg := model.DefaultConfig().Store
	cfg.Query = companyQuery
	cfg.RecordKey = 1
	cfg.QueryTimeout = model.Duration(2 * time.Second)
	return cfg
}

func mockOpener(t *testing.T) (pgxmock.PgxConnIface, resource.Opener) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	opener := resource.PgxOpenerWith(func(context.Context, string) (pgxmock.PgxConnIface, error) {
		return mock, nil
	})
	return mock, opener
}

func TestRunOnce_Pgx(t *testing.T) {
	readOnly := pgx.TxOptions{AccessMode: pgx.ReadOnly}

	var testCases = []struct {
		scenario string
		given    func(mock pgxmock.PgxConnIface)
		err      error
		logged   string
	}{
		{
			scenario: "record",
			given: func(mock pgxmock.PgxConnIface) {
				mock.ExpectBeginTx(readOnly)
				mock.ExpectQuery(regexp.QuoteMeta(companyQuery)).
					WithArgs(1).
					WillReturnRows(pgxmock.NewRows([]string{"id", "name", "age"}).AddRow(int32(1), "Paul", int32(32)))
				mock.ExpectCommit()
				mock.ExpectClose()
			},
			logged: "[info] record resource_worker=7 key=1 columns.age=32 columns.id=1 columns.name=Paul\n",
		},
		{
			scenario: "no record",
			given: func(mock pgxmock.PgxConnIface) {
				mock.ExpectBeginTx(readOnly)
				mock.ExpectQuery(regexp.QuoteMeta(companyQuery)).
					WithArgs(1).
					WillReturnRows(pgxmock.NewRows([]string{"id", "name"}))
				mock.ExpectCommit()
				mock.ExpectClose()
			},
			logged: "[info] no record resource_worker=7 key=1\n",
		},
		{
			scenario: "query error",
			given: func(mock pgxmock.PgxConnIface) {
				mock.ExpectBeginTx(readOnly)
				mock.ExpectQuery(regexp.QuoteMeta(companyQuery)).
					WithArgs(1).
					WillReturnError(errors.New(`relation "company" does not exist`))
				mock.ExpectRollback()
				mock.ExpectClose()
			},
			err:    resource.ErrQuery,
			logged: "[error] store query failed",
		},
		{
			scenario: "begin error",
			given: func(mock pgxmock.PgxConnIface) {
				mock.ExpectBeginTx(readOnly).WillReturnError(errors.New("conn busy"))
				mock.ExpectClose()
			},
			err:    resource.ErrQuery,
			logged: "[error] store query failed",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			buf := captureLog(t)
			mock, opener := mockOpener(t)
			tc.given(mock)

			w := resource.NewWorker(opener, storeConfig())
			err := w.RunOnce(t.Context(), 7)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
			require.Contains(t, buf.String(), tc.logged)
		})
	}
}

func TestRunOnce_OpenError(t *testing.T) {
	buf := captureLog(t)
	opener := resource.OpenerFunc(func(context.Context, resource.ConnParams) (resource.Conn, error) {
		return nil, errors.New("connection refused")
	})
	cfg := storeConfig()
	cfg.Password = "hunter2"

	w := resource.NewWorker(opener, cfg)
	err := w.RunOnce(t.Context(), 0)
	require.ErrorIs(t, err, resource.ErrOpen)
	require.Contains(t, buf.String(), "[error] store connection failed")
	require.NotContains(t, buf.String(), "hunter2")

	// the pool only learns about panics
	require.NoError(t, w.Task(0).Do(t.Context(), 0))
}

func TestRunOnce_Unreachable(t *testing.T) {
	captureLog(t)
	cfg := storeConfig()
	cfg.HostAddr = "127.0.0.1"
	cfg.Port = 1
	cfg.SSLMode = "disable"

	for _, driver := range []string{model.DriverPostgres, model.DriverLibPQ} {
		t.Run(driver, func(t *testing.T) {
			opener, err := resource.NewOpener(driver)
			require.NoError(t, err)
			err = resource.NewWorker(opener, cfg).RunOnce(t.Context(), 0)
			require.ErrorIs(t, err, resource.ErrOpen)
		})
	}
}

func TestRunOnce_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "company.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(t.Context(), `CREATE TABLE company (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		age INTEGER NOT NULL,
		salary REAL
	)`)
	require.NoError(t, err)
	_, err = db.ExecContext(t.Context(), `INSERT INTO company (id, name, age, salary) VALUES (1, 'Paul', 32, 20000.0)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	opener := resource.SQLiteOpener()
	cfg := storeConfig()
	cfg.Driver = model.DriverSQLite
	cfg.DBName = path

	t.Run("record", func(t *testing.T) {
		buf := captureLog(t)
		cfg := cfg
		cfg.Query = "SELECT id, name, age FROM company WHERE id = ?"
		require.NoError(t, resource.NewWorker(opener, cfg).RunOnce(t.Context(), 1))
		require.Contains(t, buf.String(), "[info] record resource_worker=1 key=1 columns.age=32 columns.id=1 columns.name=Paul\n")
	})

	t.Run("no record", func(t *testing.T) {
		buf := captureLog(t)
		cfg := cfg
		cfg.Query = "SELECT id FROM company WHERE id = ?"
		cfg.RecordKey = 2
		require.NoError(t, resource.NewWorker(opener, cfg).RunOnce(t.Context(), 1))
		require.Contains(t, buf.String(), "[info] no record resource_worker=1 key=2\n")
	})

	t.Run("read only", func(t *testing.T) {
		captureLog(t)
		cfg := cfg
		cfg.Query = "DELETE FROM company WHERE id = ?"
		err := resource.NewWorker(opener, cfg).RunOnce(t.Context(), 1)
		require.ErrorIs(t, err, resource.ErrQuery)

		conn, err := opener.Open(t.Context(), resource.ConnParams{DBName: path})
		require.NoError(t, err)
		rows, err := conn.QueryReadOnly(t.Context(), "SELECT name FROM company WHERE id = ?", 1)
		require.NoError(t, err)
		require.Equal(t, []resource.Row{{"name": "Paul"}}, rows)
		require.NoError(t, conn.Close(t.Context()))
	})

	t.Run("missing file", func(t *testing.T) {
		captureLog(t)
		cfg := cfg
		cfg.DBName = filepath.Join(t.TempDir(), "missing.db")
		err := resource.NewWorker(opener, cfg).RunOnce(t.Context(), 1)
		require.ErrorIs(t, err, resource.ErrOpen)
	})
}
