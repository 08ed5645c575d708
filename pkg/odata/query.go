package odata

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Query holds the system query options of a list request.
type Query struct {
	Select  []string
	Filter  string
	OrderBy []string
	Top     int
}

// Values returns the query options as url.Values. Empty options are omitted.
func (q Query) Values() url.Values {
	v := url.Values{}
	if len(q.Select) > 0 {
		v.Set("$select", strings.Join(q.Select, ","))
	}
	if q.Filter != "" {
		v.Set("$filter", q.Filter)
	}
	if len(q.OrderBy) > 0 {
		v.Set("$orderby", strings.Join(q.OrderBy, ","))
	}
	if q.Top > 0 {
		v.Set("$top", strconv.Itoa(q.Top))
	}
	return v
}

// Encode renders the query string with spaces as %20, which some providers
// require inside $filter.
func (q Query) Encode() string {
	return strings.ReplaceAll(q.Values().Encode(), "+", "%20")
}

// URL appends the query to base, merging with any query already present.
func (q Query) URL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", eris.Wrapf(err, "odata: parse base url %q", base)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", eris.Errorf("odata: base url %q is not absolute", base)
	}
	existing := u.Query()
	for k, vals := range q.Values() {
		existing[k] = vals
	}
	u.RawQuery = strings.ReplaceAll(existing.Encode(), "+", "%20")
	return u.String(), nil
}
