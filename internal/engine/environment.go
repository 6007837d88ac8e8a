package engine

import (
	"os"
	"strings"
)

// Snapshot returns the process environment variables whose names start
// with one of prefixes. No prefixes yields nil.
func Snapshot(prefixes []string) map[string]string {
	if len(prefixes) == 0 {
		return nil
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				env[name] = value
				break
			}
		}
	}
	return env
}
