// Package compose renders operator-authored notification templates.
package compose

import "strings"

// Placeholders recognised in templates.
const (
	PlaceholderName     = "{{name}}"
	PlaceholderServices = "{{services}}"
	PlaceholderDate     = "{{date}}"
	PlaceholderTime     = "{{time}}"
)

// Fields are the pre-formatted values substituted into a template.
// Date and Time must already be rendered in the business timezone.
type Fields struct {
	Name     string
	Services string
	Date     string
	Time     string
}

// Compose replaces every occurrence of each placeholder in template.
// Values are inserted verbatim.
func Compose(template string, f Fields) string {
	r := strings.NewReplacer(
		PlaceholderName, f.Name,
		PlaceholderServices, f.Services,
		PlaceholderDate, f.Date,
		PlaceholderTime, f.Time,
	)
	return r.Replace(template)
}
