package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
)

// fakeDriver is a tiny database/sql driver that records statements and
// serves a fixed token table.
type fakeDriver struct {
	mu      sync.Mutex
	execs   []string
	args    [][]driver.NamedValue
	rows    [][2]any
	execErr error
}

func (d *fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{d: d}, nil }

func (d *fakeDriver) statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.execs...)
}

type fakeConn struct{ d *fakeDriver }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.execErr != nil {
		return nil, c.d.execErr
	}
	c.d.execs = append(c.d.execs, query)
	c.d.args = append(c.d.args, args)
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if !strings.Contains(query, "FROM tokens") {
		return nil, errors.New("unexpected query")
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return &fakeRows{rows: append([][2]any(nil), c.d.rows...)}, nil
}

type fakeRows struct {
	rows [][2]any
	i    int
}

func (r *fakeRows) Columns() []string { return []string{"token", "rate_limit"} }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.rows) {
		return io.EOF
	}
	dest[0] = r.rows[r.i][0]
	dest[1] = r.rows[r.i][1]
	r.i++
	return nil
}

type fakeConnector struct{ d *fakeDriver }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return &fakeConn{d: c.d}, nil }
func (c fakeConnector) Driver() driver.Driver                        { return c.d }

func openFake(d *fakeDriver) *sql.DB {
	return sql.OpenDB(fakeConnector{d: d})
}
