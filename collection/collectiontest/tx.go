// Package collectiontest provides in-memory stand-ins for the case store and pgx
// transactions. Writes apply immediately and are undone on rollback.
package collectiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out Tx values and remembers them.
type Pool struct {
	mu       sync.Mutex
	Txs      []*Tx
	BeginErr error
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Last returns the most recently begun transaction.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Commits counts committed transactions.
func (p *Pool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

// Tx implements pgx.Tx for code that only begins, commits and rolls back.
type Tx struct {
	mu         sync.Mutex
	Committed  bool
	RolledBack bool
	CommitErr  error
	undo       []func()
}

// OnRollback registers fn to revert a write made inside tx. Writes made outside
// a *Tx are permanent.
func OnRollback(tx pgx.Tx, fn func()) {
	t, ok := tx.(*Tx)
	if !ok {
		return
	}
	t.mu.Lock()
	t.undo = append(t.undo, fn)
	t.mu.Unlock()
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("collectiontest: nested transactions not supported")
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.Committed || t.RolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	if t.CommitErr != nil {
		t.mu.Unlock()
		_ = t.Rollback(ctx)
		return t.CommitErr
	}
	t.Committed = true
	t.undo = nil
	t.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Committed || t.RolledBack {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
