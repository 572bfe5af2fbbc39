package sample

import "strings"

// Placeholders substituted by Render.
const (
	NamePlaceholder        = "{{SAMPLE_NAME}}"
	DescriptionPlaceholder = "{{SAMPLE_DESCRIPTION}}"
)

// DefaultTemplate is used by the console's create command when no template file is configured.
const DefaultTemplate = `#!/bin/sh
#
# Sample name: {{SAMPLE_NAME}}
# Description: {{SAMPLE_DESCRIPTION}}
#

echo "running {{SAMPLE_NAME}}"
`

// Render substitutes the name and description placeholders in tmpl.
// The rest of the template is opaque.
func Render(tmpl, name, description string) string {
	return strings.NewReplacer(
		NamePlaceholder, name,
		DescriptionPlaceholder, description,
	).Replace(tmpl)
}
