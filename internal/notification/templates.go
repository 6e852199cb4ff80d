package notification

import (
	"bytes"
	"text/template"
)

var textTemplate = template.Must(template.New("text").Parse(`{{.Title}}

{{.Body}}
{{- if .Type}}

({{.Type}}){{end}}
`))

// RenderText renders the plain-text alternative of an email body.
func RenderText(msg Message) (string, error) {
	var buf bytes.Buffer
	err := textTemplate.Execute(&buf, map[string]string{
		"Title": msg.Title,
		"Body":  msg.Body,
		"Type":  msg.Data["type"],
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
