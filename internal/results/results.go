// Package results serves filtered, paginated windows over a job's scored rows.
package results

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/fraud-review/api-go/internal/model"
	"github.com/example/fraud-review/api-go/internal/store"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

type Store struct {
	rows store.RowStore
}

func New(rows store.RowStore) *Store {
	return &Store{rows: rows}
}

// Put records a job's rows. Rows are immutable: a second Put for the same job
// fails with model.ErrAlreadyExists.
func (s *Store) Put(ctx context.Context, jobID string, rows []model.ResultRow) error {
	return s.rows.PutRows(ctx, jobID, rows)
}

// All returns every row of a job in insertion order.
func (s *Store) All(ctx context.Context, jobID string) ([]model.ResultRow, error) {
	return s.rows.Rows(ctx, jobID)
}

func (s *Store) Query(ctx context.Context, jobID string, q model.ResultQuery) (model.ResultPage, error) {
	if err := validate(q); err != nil {
		return model.ResultPage{}, err
	}
	rows, err := s.rows.Rows(ctx, jobID)
	if err != nil {
		return model.ResultPage{}, err
	}
	return Paginate(rows, q)
}

func validate(q model.ResultQuery) error {
	if q.Page < 1 {
		return fmt.Errorf("%w: page %d", model.ErrOutOfRange, q.Page)
	}
	if q.PageSize < 0 {
		return fmt.Errorf("%w: page size %d", model.ErrValidation, q.PageSize)
	}
	return nil
}

// Paginate filters rows (keeping their order) and then slices the requested
// page. A page past the end yields no rows but still reports the totals of the
// filtered set.
func Paginate(rows []model.ResultRow, q model.ResultQuery) (model.ResultPage, error) {
	if err := validate(q); err != nil {
		return model.ResultPage{}, err
	}
	size := q.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	matched := Filter(rows, q.Filter, q.RejectedOnly)
	total := len(matched)
	page := model.ResultPage{
		Rows:       []model.ResultRow{},
		Columns:    model.ResultColumns,
		Page:       q.Page,
		PageSize:   size,
		TotalItems: total,
		TotalPages: (total + size - 1) / size,
	}

	if q.Page > page.TotalPages {
		return page, nil
	}
	start := (q.Page - 1) * size
	end := start + size
	if end > total {
		end = total
	}
	page.Rows = append(page.Rows, matched[start:end]...)
	return page, nil
}

func Filter(rows []model.ResultRow, substr string, rejectedOnly bool) []model.ResultRow {
	needle := strings.ToLower(strings.TrimSpace(substr))
	if needle == "" && !rejectedOnly {
		return rows
	}
	out := make([]model.ResultRow, 0, len(rows))
	for _, r := range rows {
		if rejectedOnly && r.Approved {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.TransactionID), needle) {
			continue
		}
		out = append(out, r)
	}
	return out
}
