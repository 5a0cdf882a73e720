package research

import (
	"fmt"
	"strings"

	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
)

// FormatSourceLines renders one citation line per source, in input order:
// "- [source] label" where label is the URL when present, the title
// otherwise, and N/A when the source carries neither. Duplicates are kept,
// so every source gets its line.
func FormatSourceLines(sources []strategy.SourceRef) string {
	lines := make([]string, 0, len(sources))
	for _, src := range sources {
		label := src.URL
		if label == "" {
			label = src.Title
		}
		if label == "" {
			label = "N/A"
		}
		name := src.Source
		if name == "" {
			name = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", name, label))
	}
	return strings.Join(lines, "\n")
}
