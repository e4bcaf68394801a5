package provider

import (
	"sort"
	"strings"
)

// DefaultTemplate is used when prompt.template is empty.
const DefaultTemplate = `Write a short, warm and playful reminder from {sender_name} to {target_name} to read a few pages of "{book_title}" today. ` +
	`Write it in {language}. One or two sentences, no lists, no alternatives, no markdown.`

// Prompt is a template with named {placeholder} values.
type Prompt struct {
	Template string
	Vars     map[string]string
}

// Render replaces every {name} in template with vars[name]. Unknown placeholders stay as written.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func (p Prompt) Render() string {
	t := p.Template
	if strings.TrimSpace(t) == "" {
		t = DefaultTemplate
	}
	return Render(t, p.Vars)
}
