package notification

import (
	"bytes"
	"fmt"
	"html/template"
)

const baseLayout = `
<!DOCTYPE html>
<html>
<head>
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
    <style>
        body { background-color: #f6f9fc; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif; font-size: 16px; line-height: 1.5; margin: 0; padding: 0; }
        .container { display: block; margin: 0 auto !important; max-width: 580px; padding: 10px; }
        .main { background: #ffffff; border-radius: 8px; border: 1px solid #e1e9ee; padding: 20px; }
        .footer { margin-top: 10px; text-align: center; color: #8898aa; font-size: 12px; }
        .badge { display: inline-block; background: #eef0fb; color: #5e6ad2; border-radius: 4px; font-size: 12px; padding: 2px 8px; margin-bottom: 12px; text-transform: uppercase; }
        h1 { font-size: 22px; font-weight: 700; margin: 0 0 16px 0; color: #32325d; }
        p { margin: 0 0 16px 0; color: #525f7f; white-space: pre-line; }
    </style>
</head>
<body>
    <div class="container">
        <div class="main">
            {{.Content}}
        </div>
        <div class="footer">
            You receive this because notifications are enabled for {{.AppName}}.
        </div>
    </div>
</body>
</html>
`

const notificationContent = `
    {{if .Priority}}<span class="badge">{{.Priority}}</span>{{end}}
    <h1>{{.Title}}</h1>
    <p>{{.Body}}</p>
`

// RenderEmail renders the HTML body for a notification message.
func RenderEmail(appName string, msg Message) (string, error) {
	data := map[string]any{
		"AppName":  appName,
		"Title":    msg.Title,
		"Body":     msg.Body,
		"Priority": msg.Data["priority"],
	}

	tContent, err := template.New("content").Parse(notificationContent)
	if err != nil {
		return "", err
	}
	var contentBuf bytes.Buffer
	if err := tContent.Execute(&contentBuf, data); err != nil {
		return "", fmt.Errorf("render email content: %w", err)
	}

	// already escaped by the content template
	data["Content"] = template.HTML(contentBuf.String())

	tLayout, err := template.New("layout").Parse(baseLayout)
	if err != nil {
		return "", err
	}
	var layoutBuf bytes.Buffer
	if err := tLayout.Execute(&layoutBuf, data); err != nil {
		return "", fmt.Errorf("render email layout: %w", err)
	}
	return layoutBuf.String(), nil
}
