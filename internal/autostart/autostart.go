// Package autostart registers the agent to start at user login.
package autostart

import (
	"strings"
)

// commandLine quotes the executable and every argument containing spaces.
func commandLine(executablePath string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, `"`+executablePath+`"`)
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			arg = `"` + arg + `"`
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
