package provider

import (
	"net"
	"net/url"
	"strings"
)

// HostIn reports whether host, with or without a port, is one of domains or
// a subdomain of one. "misanthropic.com" is not in "anthropic.com".
func HostIn(host string, domains ...string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.ToLower(d)
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// HostOf returns the host part of a base URL. Scheme-less input is read up
// to the first slash.
func HostOf(baseURL string) string {
	if !strings.Contains(baseURL, "://") {
		host, _, _ := strings.Cut(baseURL, "/")
		return host
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}
