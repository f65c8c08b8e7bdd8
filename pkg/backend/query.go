package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Query accumulates filter predicates for one table and executes them as a
// single REST request. The filter grammar is the backend's: operators are
// encoded as "op.value" query parameters on the column name.
type Query struct {
	client     *Client
	table      string
	selectCols string
	filters    url.Values
	order      string
	limit      int
}

func (q *Query) params() url.Values {
	v := url.Values{}
	for k, vals := range q.filters {
		v[k] = vals
	}
	v.Set("select", q.selectCols)
	if q.order != "" {
		v.Set("order", q.order)
	}
	if q.limit > 0 {
		v.Set("limit", strconv.Itoa(q.limit))
	}
	return v
}

func (q *Query) addFilter(col, expr string) *Query {
	if q.filters == nil {
		q.filters = url.Values{}
	}
	q.filters.Add(col, expr)
	return q
}

// Select overrides the returned columns (default "*"). Embedded resources
// use the backend's "relation(cols)" syntax.
func (q *Query) Select(cols string) *Query {
	q.selectCols = cols
	return q
}

// Eq filters rows where col equals val.
func (q *Query) Eq(col, val string) *Query { return q.addFilter(col, "eq."+val) }

// Lt filters rows where col is strictly less than val.
func (q *Query) Lt(col, val string) *Query { return q.addFilter(col, "lt."+val) }

// In filters rows where col is one of vals.
func (q *Query) In(col string, vals []string) *Query {
	return q.addFilter(col, "in.("+strings.Join(vals, ",")+")")
}

// OrderAsc sorts ascending by col.
func (q *Query) OrderAsc(col string) *Query {
	q.order = col + ".asc"
	return q
}

// OrderDesc sorts descending by col.
func (q *Query) OrderDesc(col string) *Query {
	q.order = col + ".desc"
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) request(ctx context.Context, apiErr *APIError) *resty.Request {
	return q.client.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q.params()).
		SetError(apiErr)
}

// Get executes the query and decodes the resulting rows into dest, which
// must be a pointer to a slice.
func (q *Query) Get(ctx context.Context, dest any) error {
	var apiErr APIError
	resp, err := q.request(ctx, &apiErr).SetResult(dest).Get(q.table)
	if err != nil {
		return fmt.Errorf("query %s failed: %w", q.table, err)
	}
	if resp.IsError() {
		return decodeError(resp, &apiErr)
	}
	return nil
}

// MaybeSingle executes the query with limit 1 and decodes the row into dest
// when one exists. Returns false without error when no row matches.
func (q *Query) MaybeSingle(ctx context.Context, dest any) (bool, error) {
	q.limit = 1
	var rows []json.RawMessage
	if err := q.Get(ctx, &rows); err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return false, fmt.Errorf("failed to decode %s row: %w", q.table, err)
	}
	return true, nil
}

// Insert inserts body as a new row and decodes the persisted row (with
// backend-assigned columns) into dest when dest is non-nil.
func (q *Query) Insert(ctx context.Context, body, dest any) error {
	return q.write(ctx, body, dest, "return=representation")
}

// Upsert inserts body, updating all fields of the existing row when the
// onConflict column collides. Idempotent by construction.
func (q *Query) Upsert(ctx context.Context, body any, onConflict string, dest any) error {
	q.addFilter("on_conflict", onConflict)
	return q.write(ctx, body, dest, "resolution=merge-duplicates,return=representation")
}

func (q *Query) write(ctx context.Context, body, dest any, prefer string) error {
	var apiErr APIError
	req := q.request(ctx, &apiErr).
		SetHeader("Prefer", prefer).
		SetBody(body)
	if dest != nil {
		// Without this Accept the backend wraps single-row writes in an array.
		req.SetHeader("Accept", "application/vnd.pgrst.object+json").SetResult(dest)
	}
	resp, err := req.Post(q.table)
	if err != nil {
		return fmt.Errorf("write to %s failed: %w", q.table, err)
	}
	if resp.IsError() {
		return decodeError(resp, &apiErr)
	}
	return nil
}

// Delete removes the matching rows and returns how many were affected.
// Row-level policies silently filter out rows the caller may not touch, so
// a zero count on a targeted delete means "not authorized", not "success".
func (q *Query) Delete(ctx context.Context) (int, error) {
	var apiErr APIError
	var deleted []json.RawMessage
	resp, err := q.request(ctx, &apiErr).
		SetHeader("Prefer", "return=representation").
		SetResult(&deleted).
		Delete(q.table)
	if err != nil {
		return 0, fmt.Errorf("delete from %s failed: %w", q.table, err)
	}
	if resp.IsError() {
		return 0, decodeError(resp, &apiErr)
	}
	return len(deleted), nil
}
