// Package shellquote escapes strings for interpolation into POSIX shell
// command lines run inside workspace containers.
package shellquote

import "strings"

// Quote wraps s in single quotes, escaping embedded single quotes with the
// '"'"' idiom. The result is safe to splice into an sh -c command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes each argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
