package session

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// maxSocketPath is the smallest sun_path among supported platforms (macOS).
const maxSocketPath = 103

// ValidateName checks that name conforms to session naming rules and that the
// daemon socket for it fits in a Unix socket address.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return fmt.Errorf("session %q: socket path %s is longer than %d bytes; use a shorter name or WPSYNC_HOME", name, p, maxSocketPath)
	}
	return nil
}
