package lifecycle

import (
	"fmt"
	"net/url"
	"strconv"
)

// Variant describes a parameterized resource the UI requests once per
// value, e.g. /restaurant.html?id=1 through ?id=10.
type Variant struct {
	Path  string
	Param string
	// Values takes precedence over the From..To range.
	Values []string
	From   int
	To     int
}

// ExpandManifest returns the resources followed by every variant expansion,
// dropping exact duplicates while keeping first-seen order.
func ExpandManifest(resources []string, variants []Variant) ([]string, error) {
	seen := make(map[string]struct{}, len(resources))
	out := make([]string, 0, len(resources))
	add := func(r string) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	for _, r := range resources {
		if r == "" {
			return nil, fmt.Errorf("manifest contains an empty resource")
		}
		add(r)
	}

	for _, v := range variants {
		expanded, err := v.expand()
		if err != nil {
			return nil, err
		}
		for _, r := range expanded {
			add(r)
		}
	}
	return out, nil
}

func (v Variant) expand() ([]string, error) {
	if v.Path == "" || v.Param == "" {
		return nil, fmt.Errorf("variant needs both path and param (path=%q param=%q)", v.Path, v.Param)
	}

	values := v.Values
	if len(values) == 0 {
		if v.To < v.From {
			return nil, fmt.Errorf("variant %s: range %d..%d is empty", v.Path, v.From, v.To)
		}
		for i := v.From; i <= v.To; i++ {
			values = append(values, strconv.Itoa(i))
		}
	}

	u, err := url.Parse(v.Path)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", v.Path, err)
	}

	out := make([]string, 0, len(values))
	for _, val := range values {
		q := u.Query()
		q.Set(v.Param, val)
		vu := *u
		vu.RawQuery = q.Encode()
		out = append(out, vu.String())
	}
	return out, nil
}
