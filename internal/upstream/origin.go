package upstream

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Hop-by-hop headers. These apply to a single connection and are never
// forwarded (RFC 9110, section 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes the hop-by-hop headers from h, along with any
// header listed in its Connection field.
func RemoveHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// JoinPath places p under the origin base path.
func JoinPath(base, p string) string {
	if base == "" || base == "/" {
		if !strings.HasPrefix(p, "/") {
			return "/" + p
		}
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// ResourceURL locates a manifest resource on origin. Paths are joined onto
// the origin base path, exactly as inbound requests are directed, so a
// provisioned entry and a served request share one URL. Absolute
// references are used as they are.
func ResourceURL(origin *url.URL, resource string) (*url.URL, error) {
	ref, err := url.Parse(resource)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() || ref.Host != "" {
		return origin.ResolveReference(ref), nil
	}

	u := *origin
	u.Path = JoinPath(origin.Path, ref.Path)
	u.RawPath = ""
	if ref.RawPath != "" {
		u.RawPath = JoinPath(origin.EscapedPath(), ref.EscapedPath())
	}
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	u.RawFragment = ""
	return &u, nil
}
