package resource

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// pgxConn is the part of *pgx.Conn used here, so pgxmock can stand in.
type pgxConn interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// PgxOpener connects with pgx.
func PgxOpener() Opener {
	return PgxOpenerWith(pgx.Connect)
}

// PgxOpenerWith uses connect instead of pgx.Connect.
func PgxOpenerWith[C pgxConn](connect func(ctx context.Context, connString string) (C, error)) Opener {
	return OpenerFunc(func(ctx context.Context, params ConnParams) (Conn, error) {
		conn, err := connect(ctx, params.ConnString())
		if err != nil {
			return nil, err
		}
		return &pgxStoreConn{conn: conn}, nil
	})
}

type pgxStoreConn struct {
	conn pgxConn
}

func (c *pgxStoreConn) QueryReadOnly(ctx context.Context, query string, args ...any) (rows []Row, err error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	result, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(result, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	rows = make([]Row, len(maps))
	for i, m := range maps {
		rows[i] = Row(m)
	}
	return rows, nil
}

func (c *pgxStoreConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
