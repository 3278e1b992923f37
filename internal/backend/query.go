package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Query builds one PostgREST request against a table.
type Query struct {
	client  *Client
	table   string
	columns string
	filters url.Values
	orders  []string
	limit   int
	single  bool
	bearer  string

	onConflict string
}

func (c *Client) From(table string) *Query {
	return &Query{client: c, table: table, filters: url.Values{}}
}

func (q *Query) Select(columns string) *Query {
	q.columns = columns
	return q
}

func (q *Query) Eq(column string, value any) *Query {
	q.filters.Add(column, fmt.Sprintf("eq.%v", value))
	return q
}

func (q *Query) Neq(column string, value any) *Query {
	q.filters.Add(column, fmt.Sprintf("neq.%v", value))
	return q
}

func (q *Query) Order(column string, ascending bool) *Query {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Single asks for exactly one object; zero rows come back as ErrNotFound.
func (q *Query) Single() *Query {
	q.single = true
	return q
}

// OnConflict names the unique columns an insert resolves duplicates on.
func (q *Query) OnConflict(columns string) *Query {
	q.onConflict = columns
	return q
}

// As sends the request with an end user's access token instead of the
// service key, so row-level policies apply.
func (q *Query) As(token string) *Query {
	q.bearer = token
	return q
}

func (q *Query) url(withSelect bool) string {
	params := url.Values{}
	for k, vs := range q.filters {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if withSelect && q.columns != "" {
		params.Set("select", q.columns)
	}
	if len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}
	if q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
	}
	u := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (q *Query) Get(ctx context.Context) (*Response, error) {
	req, err := q.client.newJSONRequest(ctx, http.MethodGet, q.url(true), nil)
	if err != nil {
		return nil, err
	}
	if q.single {
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	q.client.setHeaders(req, q.bearer)
	return q.client.do(req)
}

// Into runs a select and decodes the result into v.
func (q *Query) Into(ctx context.Context, v any) error {
	resp, err := q.Get(ctx)
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

// Insert posts rows and returns the inserted representation.
func (q *Query) Insert(ctx context.Context, rows any) (*Response, error) {
	return q.write(ctx, http.MethodPost, rows, "return=representation")
}

// InsertIgnoringDuplicates posts rows and silently skips any whose primary
// key already exists.
func (q *Query) InsertIgnoringDuplicates(ctx context.Context, rows any) (*Response, error) {
	return q.write(ctx, http.MethodPost, rows, "resolution=ignore-duplicates,return=minimal")
}

// InsertNew posts rows, skips any that collide with an existing row, and
// returns only the rows it inserted.
func (q *Query) InsertNew(ctx context.Context, rows any) (*Response, error) {
	return q.write(ctx, http.MethodPost, rows, "resolution=ignore-duplicates,return=representation")
}

// Update patches rows matching the filters and reports how many changed.
func (q *Query) Update(ctx context.Context, patch any) (int, error) {
	resp, err := q.write(ctx, http.MethodPatch, patch, "return=representation")
	if err != nil {
		return 0, err
	}
	return affected(resp)
}

// Delete removes rows matching the filters and reports how many were removed.
func (q *Query) Delete(ctx context.Context) (int, error) {
	resp, err := q.write(ctx, http.MethodDelete, nil, "return=representation")
	if err != nil {
		return 0, err
	}
	return affected(resp)
}

func (q *Query) write(ctx context.Context, method string, payload any, prefer string) (*Response, error) {
	if method != http.MethodPost && len(q.filters) == 0 {
		return nil, fmt.Errorf("refusing unfiltered %s on %s", method, q.table)
	}
	req, err := q.client.newJSONRequest(ctx, method, q.url(false), payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", prefer)
	q.client.setHeaders(req, q.bearer)
	return q.client.do(req)
}

func affected(resp *Response) (int, error) {
	if len(resp.Body) == 0 {
		return 0, nil
	}
	var rows []map[string]any
	if err := resp.Decode(&rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
