package pricing

import (
	"regexp"
	"strings"
)

var dateSuffixPattern = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// NormalizeModel lowercases a model id and strips trailing date stamps
// (model-2024-08-06) and -preview/-latest tokens so dated snapshots share
// the bare model's pricing entry.
func NormalizeModel(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if normalized == "" {
		return ""
	}

	normalized = dateSuffixPattern.ReplaceAllString(normalized, "")
	normalized = strings.TrimSuffix(normalized, "-preview")
	normalized = strings.TrimSuffix(normalized, "-latest")
	// A date stamp can precede the variant token
	// (model-2024-08-06-preview), so strip once more after trimming it.
	normalized = dateSuffixPattern.ReplaceAllString(normalized, "")

	return normalized
}
