package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins elements under base and fails when the cleaned result
// would land outside base, for example through ".." or an absolute element.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}
	root := filepath.Clean(base)
	full := filepath.Join(append([]string{root}, elements...)...)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", filepath.Join(elements...), base)
	}
	return full, nil
}
