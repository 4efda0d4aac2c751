package dispatcher

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/t77yq/casewatch/internal/model"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templateSources = map[model.NotificationType][2]string{
	model.NotificationTypeCaseCreated: {
		`[P{{.priority}}] New case #{{.caseId}}: {{.title}}`,
		`Case #{{.caseId}} was opened with severity {{.severity}}.
SLA deadline: {{.slaDeadline}}
{{- if .description}}

{{.description}}{{end}}`,
	},
	model.NotificationTypeStatusChanged: {
		`Case #{{.caseId}} is now {{.newStatus}}`,
		`Case #{{.caseId}} "{{.title}}" moved from {{.oldStatus}} to {{.newStatus}}.
{{- if .reason}}
Reason: {{.reason}}{{end}}`,
	},
	model.NotificationTypeCaseAssigned: {
		`[P{{.priority}}] Case #{{.caseId}} assigned to you`,
		`You were assigned case #{{.caseId}} "{{.title}}" (status {{.status}}, severity {{.severity}}).
SLA deadline: {{.slaDeadline}}
{{- if .reason}}
Note: {{.reason}}{{end}}`,
	},
	model.NotificationTypeCaseEscalated: {
		`[P{{.priority}}] Case #{{.caseId}} escalated`,
		`Case #{{.caseId}} "{{.title}}" was escalated to severity {{.severity}}, priority {{.priority}}.
SLA deadline: {{.slaDeadline}}`,
	},
	model.NotificationTypeSLABreached: {
		`[P{{.priority}}] SLA breached on case #{{.caseId}}`,
		`Case #{{.caseId}} "{{.title}}" missed its SLA deadline {{.slaDeadline}} and is still {{.status}}.`,
	},
}

func parseTemplates() (map[model.NotificationType]messageTemplate, error) {
	out := make(map[model.NotificationType]messageTemplate, len(templateSources))
	for id, src := range templateSources {
		subject, err := template.New(string(id) + ".subject").Option("missingkey=zero").Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s subject: %w", id, err)
		}
		body, err := template.New(string(id) + ".body").Option("missingkey=zero").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s body: %w", id, err)
		}
		out[id] = messageTemplate{subject: subject, body: body}
	}
	return out, nil
}

func (t messageTemplate) render(vars map[string]string) (string, string, error) {
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, vars); err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	if err := t.body.Execute(&body, vars); err != nil {
		return "", "", fmt.Errorf("failed to render message: %w", err)
	}
	return subject.String(), body.String(), nil
}
