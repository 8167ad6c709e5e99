package vars

import "regexp"

// tokenPattern matches one {{name}} placeholder. Idents are limited to
// [A-Za-z0-9_.-]; anything else (including nested braces) is left alone.
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// Expand replaces every {{name}} token in template using the store.
// Replacement is a single pass over the template: a value that itself
// contains {{x}} is not re-expanded. Unknown names are replaced with the
// empty string and reported once each in unresolved, in order of first
// appearance. Literal text outside tokens is preserved byte for byte.
func Expand(template string, store *Store) (string, []string) {
	if template == "" {
		return "", nil
	}
	var unresolved []string
	seen := map[string]bool{}
	out := tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-2]
		value, _, ok := store.Resolve(name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				unresolved = append(unresolved, name)
			}
			return ""
		}
		return value
	})
	return out, unresolved
}

// ExpandInto expands template and merges newly unresolved names into the
// accumulator, preserving first-appearance order across calls. Convenience
// for callers expanding many fields of one request.
func ExpandInto(template string, store *Store, unresolved *[]string) string {
	out, missing := Expand(template, store)
	for _, name := range missing {
		found := false
		for _, existing := range *unresolved {
			if existing == name {
				found = true
				break
			}
		}
		if !found {
			*unresolved = append(*unresolved, name)
		}
	}
	return out
}
