package tiledb

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URI is a parsed scheme://host[:port]/path?query storage location.
// Scheme and host are folded to lower case; the query string is URL-decoded
// into a flat key/value map.
type URI struct {
	Scheme string
	Host   string
	Port   uint16
	Path   string
	Query  map[string]string
}

// ParseURI decomposes a storage URI. Plain local paths without a "://" are
// rejected with ErrInvalidURI; callers that accept bare POSIX paths check for
// the separator first.
func ParseURI(s string) (*URI, error) {
	if s == "" {
		return nil, pathError(ErrInvalidURI, "cannot parse empty string as a uri", s)
	}
	idx := strings.Index(s, "://")
	if idx < 0 {
		return nil, pathError(ErrInvalidURI, "string does not seem to be a uri", s)
	}
	u := &URI{
		Scheme: strings.ToLower(s[:idx]),
		Query:  map[string]string{},
	}
	rest := s[idx+3:]

	hostEnd := strings.IndexByte(rest, '/')
	if hostEnd < 0 {
		hostEnd = len(rest)
	}
	authority := rest[:hostEnd]
	rest = rest[hostEnd:]

	if colon := strings.IndexByte(authority, ':'); colon >= 0 {
		port := authority[colon+1:]
		authority = authority[:colon]
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, pathErrorf(ErrInvalidURI, "uri has a bad port number", s, err)
		}
		u.Port = uint16(n)
	}
	u.Host = strings.ToLower(authority)

	if q := strings.IndexByte(rest, '?'); q >= 0 {
		query := rest[q+1:]
		u.Path = rest[:q]
		decoded, err := url.QueryUnescape(query)
		if err != nil {
			return nil, pathErrorf(ErrInvalidURI, "query is in incorrect format", s, err)
		}
		for _, token := range strings.Split(decoded, "&") {
			if token == "" {
				continue
			}
			eq := strings.IndexByte(token, '=')
			if eq <= 0 {
				return nil, pathError(ErrInvalidURI, "query is in incorrect format", s)
			}
			u.Query[token[:eq]] = token[eq+1:]
		}
	} else {
		u.Path = rest
	}
	return u, nil
}

// AzureURI is the Azure Blob view of a URI. Two forms are accepted:
//
//	az://<container>@<account>.blob.core.windows.net/<path>
//	azb://<container>/<path>?account=<account>&endpoint=<endpoint>
type AzureURI struct {
	*URI
	Account   string
	Container string
	Endpoint  string
}

// ParseAzureURI parses either az:// form into account/container/endpoint views.
func ParseAzureURI(s string) (*AzureURI, error) {
	u, err := ParseURI(s)
	if err != nil {
		return nil, err
	}
	a := &AzureURI{URI: u}
	if u.Scheme == "azb" {
		a.Account = u.Query["account"]
		a.Container = u.Host
		a.Endpoint = u.Query["endpoint"]
		return a, nil
	}
	at := strings.IndexByte(u.Host, '@')
	dot := strings.IndexByte(u.Host, '.')
	if at >= 0 && dot >= 0 {
		a.Account = u.Host[at+1 : dot]
		a.Endpoint = u.Host[at+1:]
	}
	if at >= 0 {
		a.Container = u.Host[:at]
	} else {
		a.Container = u.Host
	}
	return a, nil
}

// BucketURI is the bucket view shared by the s3:// and gs:// forms.
type BucketURI struct {
	*URI
	Bucket string
}

// ParseBucketURI parses an s3:// or gs:// URI into its bucket view.
func ParseBucketURI(s string) (*BucketURI, error) {
	u, err := ParseURI(s)
	if err != nil {
		return nil, err
	}
	return &BucketURI{URI: u, Bucket: u.Host}, nil
}

func (u *URI) String() string {
	host := u.Host
	if u.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, u.Port)
	}
	return u.Scheme + "://" + host + u.Path
}
