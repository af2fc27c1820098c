// Package target validates the requested upstream URL against the host
// allow-list before any network activity happens.
package target

import (
	"net/url"
	"sort"

	"github.com/andesco/embedproxy/pkg/proxyerr"
)

// AllowList is an immutable set of exact hostnames.
type AllowList struct {
	hosts map[string]struct{}
}

func NewAllowList(hosts []string) AllowList {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return AllowList{hosts: set}
}

// Contains is an exact, case-sensitive match.
func (a AllowList) Contains(host string) bool {
	_, ok := a.hosts[host]
	return ok
}

func (a AllowList) Hosts() []string {
	out := make([]string, 0, len(a.hosts))
	for h := range a.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

type FetchRequest struct {
	URL  *url.URL
	Host string
}

// Validate parses raw and checks its host against allow.
func Validate(raw string, allow AllowList) (*FetchRequest, error) {
	if raw == "" {
		return nil, proxyerr.New(proxyerr.MissingParameter, "url parameter is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.InvalidURL, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, proxyerr.New(proxyerr.InvalidURL, "not an absolute http(s) URL: %q", raw)
	}

	host := u.Hostname()
	if host == "" {
		return nil, proxyerr.New(proxyerr.InvalidURL, "missing host in %q", raw)
	}
	if !allow.Contains(host) {
		return nil, proxyerr.New(proxyerr.ForbiddenHost, "host not allowed: %s", host)
	}

	return &FetchRequest{URL: u, Host: host}, nil
}
