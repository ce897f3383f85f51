package mux

import (
	"os"
	"os/user"
	"strings"
)

// DefaultTitle returns user@host, or the placeholder when neither can be
// determined.
func DefaultTitle() string {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	switch {
	case name != "" && host != "":
		return name + "@" + host
	case name != "":
		return name
	case host != "":
		return host
	default:
		return PlaceholderTitle
	}
}
