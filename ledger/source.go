// Package ledger reads delinquency facts from the loan ledger.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Loan is one loan's delinquency snapshot. Amounts are minor units.
type Loan struct {
	LoanID          string
	DPD             int
	OverdueMinor    int64
	LastPaymentDate *time.Time
	Jurisdiction    string
}

// Source lists loans that are currently overdue. Loans missing from the result are current.
type Source interface {
	OverdueLoans(ctx context.Context) ([]Loan, error)
}

// DefaultQuery reads the ledger's overdue view.
const DefaultQuery = `SELECT loan_id, days_past_due, overdue_amount_minor, last_payment_date, jurisdiction
FROM ledger_overdue_loans
WHERE days_past_due > 0 OR overdue_amount_minor > 0`

// SQLSource reads the ledger over database/sql.
type SQLSource struct {
	db    *sql.DB
	query string
}

// Open connects to the ledger database with the postgres driver.
func Open(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("ledger: empty connection string")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db, query: DefaultQuery}
}

// WithQuery overrides the snapshot query. It must return the DefaultQuery columns in order.
func (s *SQLSource) WithQuery(query string) *SQLSource {
	if strings.TrimSpace(query) != "" {
		s.query = query
	}
	return s
}

func (s *SQLSource) OverdueLoans(ctx context.Context) ([]Loan, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("ledger: query overdue loans: %w", err)
	}
	defer rows.Close()

	var out []Loan
	for rows.Next() {
		var (
			l            Loan
			lastPayment  sql.NullTime
			jurisdiction sql.NullString
		)
		if err := rows.Scan(&l.LoanID, &l.DPD, &l.OverdueMinor, &lastPayment, &jurisdiction); err != nil {
			return nil, fmt.Errorf("ledger: scan loan: %w", err)
		}
		if l.DPD < 0 {
			l.DPD = 0
		}
		if l.OverdueMinor < 0 {
			l.OverdueMinor = 0
		}
		if lastPayment.Valid {
			t := lastPayment.Time
			l.LastPaymentDate = &t
		}
		l.Jurisdiction = strings.ToLower(strings.TrimSpace(jurisdiction.String))
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate loans: %w", err)
	}
	return out, nil
}
