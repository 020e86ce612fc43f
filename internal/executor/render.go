package executor

import (
	"hash/crc32"
	"regexp"
	"strings"

	"github.com/foxzi/sendry-flow/internal/workflow"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// renderTemplate substitutes {{variable}} patterns, leaving unknown ones as is
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// pickVariant assigns a contact to an A/B variant of a step by hashing
// contact and step ids into [0,100) and walking cumulative weights.
// It returns -1 when the bucket falls outside every variant.
func pickVariant(variants []workflow.Variant, contactID, stepID string) int {
	if len(variants) == 0 {
		return -1
	}

	bucket := int(crc32.ChecksumIEEE([]byte(contactID+":"+stepID)) % 100)
	cumulative := 0
	for i, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		cumulative += v.Weight
		if bucket < cumulative {
			return i
		}
	}
	return -1
}
