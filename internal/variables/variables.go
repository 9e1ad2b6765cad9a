// Package variables extracts and fills {{ name }} placeholders in letter text.
package variables

import (
	"regexp"
	"sort"
	"strings"
)

// tokenPattern matches a placeholder; the name is any text not containing '}'.
var tokenPattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// Extract returns the unique variable names in text, in order of first occurrence.
// Names are trimmed but otherwise kept verbatim (case-sensitive).
func Extract(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// Substitute replaces every {{ name }} whose name is a key of values.
// Placeholders without a value are left untouched, braces included.
func Substitute(text string, values map[string]string) string {
	if len(values) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	lookup := trimKeys(values)
	re := namesPattern(lookup)
	if re == nil {
		return text
	}
	return re.ReplaceAllStringFunc(text, func(match string) string {
		return lookup[re.FindStringSubmatch(match)[1]]
	})
}

// trimKeys keys values by trimmed name, the form Extract reports. An exact
// key wins over one that only matches after trimming.
func trimKeys(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for name, v := range values {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, exact := values[trimmed]; exact && trimmed != name {
			continue
		}
		out[trimmed] = v
	}
	return out
}

// namesPattern compiles one alternation over the given names so that a single
// pass fills all of them and inserted values are never re-scanned.
func namesPattern(values map[string]string) *regexp.Regexp {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, regexp.QuoteMeta(name))
	}
	if len(names) == 0 {
		return nil
	}
	// longest first so "a.b" wins over "a"
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return regexp.MustCompile(`\{\{\s*(` + strings.Join(names, "|") + `)\s*\}\}`)
}

// Reconcile returns the variable map for the combined text of two fields:
// names still present keep their value, new names get an empty value and
// names that disappeared from both texts are dropped.
func Reconcile(old map[string]string, text, other string) map[string]string {
	result := make(map[string]string)
	for _, name := range append(Extract(text), Extract(other)...) {
		if _, ok := result[name]; ok {
			continue
		}
		result[name] = old[name]
	}
	return result
}

// Unfilled lists the names from texts that have no non-empty value.
func Unfilled(values map[string]string, texts ...string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, name := range Extract(text) {
			if seen[name] {
				continue
			}
			seen[name] = true
			if strings.TrimSpace(values[name]) == "" {
				missing = append(missing, name)
			}
		}
	}
	return missing
}
