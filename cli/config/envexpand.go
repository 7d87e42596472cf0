// Package config loads ferry.yaml configuration files.
package config

import (
	"os"
	"regexp"
	"sort"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} patterns in input with
// environment values. A default applies when the variable is unset or
// empty. Unset variables without a default expand to the empty string;
// MissingEnv reports them.
func ExpandEnv(input string) string {
	return expand(input, os.LookupEnv)
}

func expand(input string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := lookup(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}

// MissingEnv returns the sorted names of variables referenced in input that
// are unset or empty and have no default.
func MissingEnv(input string) []string {
	seen := make(map[string]bool)
	for _, groups := range envVarPattern.FindAllStringSubmatch(input, -1) {
		name, hasDefault := groups[1], groups[2] != ""
		if value, ok := os.LookupEnv(name); (ok && value != "") || hasDefault {
			continue
		}
		seen[name] = true
	}
	missing := make([]string, 0, len(seen))
	for name := range seen {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}
