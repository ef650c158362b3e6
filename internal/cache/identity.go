package cache

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Identity is the canonical key of a cacheable resource within a store.
type Identity string

const identityMethod = http.MethodGet + " "

// Cacheable reports whether the identity was derived from a GET request.
func (id Identity) Cacheable() bool {
	return strings.HasPrefix(string(id), identityMethod) && len(id) > len(identityMethod)
}

func (id Identity) String() string {
	return string(id)
}

// Policy derives identities from requests. The zero value keys on method,
// cleaned path and sorted query.
type Policy struct {
	// IgnoreQuery drops the query string from the identity.
	IgnoreQuery bool
	// VaryHeaders lists request headers whose values select a variant.
	VaryHeaders []string
}

// Identify derives the identity of req. ok is false for methods other than
// GET, which must never reach a store.
func (p Policy) Identify(req *http.Request) (Identity, bool) {
	if req == nil || req.URL == nil {
		return "", false
	}
	return p.IdentifyURL(req.Method, req.URL, req.Header)
}

// IdentifyURL is Identify for callers that hold the request parts.
func (p Policy) IdentifyURL(method string, u *url.URL, header http.Header) (Identity, bool) {
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", false
	}

	var b strings.Builder
	b.WriteString(identityMethod)
	b.WriteString(normalizePath(u.Path))

	if !p.IgnoreQuery {
		if q := u.Query().Encode(); q != "" {
			b.WriteByte('?')
			b.WriteString(q)
		}
	}

	for _, h := range p.VaryHeaders {
		name := http.CanonicalHeaderKey(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.Join(header.Values(name), ","))
	}

	return Identity(b.String()), true
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
