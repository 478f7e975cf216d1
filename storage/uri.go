package storage

import (
	"net"
	"net/url"
	"strings"
)

// splitAuth splits the user info of a location ("user:password").
func splitAuth(auth string) (string, string) {
	user, pass, _ := strings.Cut(auth, ":")
	if u, err := url.PathUnescape(user); err == nil {
		user = u
	}
	if p, err := url.PathUnescape(pass); err == nil {
		pass = p
	}
	return user, pass
}

// splitMount splits "/secret/engine/seeds" into the mount "secret" and the
// path "engine/seeds".
func splitMount(p string) (string, string) {
	mount, rest, _ := strings.Cut(strings.Trim(p, "/"), "/")
	return mount, rest
}

func splitHostPort(hostport, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return host, port
}
