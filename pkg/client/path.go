package client

import (
	gopath "path"
	"strings"
)

// Canonicalize normalizes a user-supplied path into the canonical form the
// coordinator accepts: absolute, cleaned of duplicate slashes, "." and ".."
// components, and without a trailing slash. A relative path is treated as
// relative to the root.
func Canonicalize(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}
