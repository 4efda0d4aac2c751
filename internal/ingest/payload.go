package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/casewatch/internal/model"
)

// Webhook is an Alertmanager-style alert group
type Webhook struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []json.RawMessage `json:"alerts"`
}

type wireAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     *time.Time        `json:"startsAt"`
	EndsAt       *time.Time        `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// Alert is one validated alert of a webhook group
type Alert struct {
	Name         string
	Status       model.AlertStatus
	Labels       map[string]string
	Annotations  map[string]string
	StartsAt     time.Time
	EndsAt       *time.Time
	GeneratorURL string
	// Fingerprint is the source-supplied fingerprint, if any
	Fingerprint string
	Raw         json.RawMessage
}

// Severity derives the severity from the severity label
func (a Alert) Severity() model.Severity {
	return model.ParseSeverity(a.Labels["severity"])
}

// Message picks the most descriptive annotation
func (a Alert) Message() string {
	for _, key := range []string{"summary", "description", "message"} {
		if v := strings.TrimSpace(a.Annotations[key]); v != "" {
			return v
		}
	}
	return ""
}

// ParseWebhook decodes and validates an alert group. Any invalid alert rejects the
// whole body so that a partial group is never stored.
func ParseWebhook(body []byte) ([]Alert, error) {
	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(hook.Alerts) == 0 {
		return nil, fmt.Errorf("%w: no alerts", ErrMalformedPayload)
	}

	alerts := make([]Alert, 0, len(hook.Alerts))
	for i, raw := range hook.Alerts {
		alert, err := parseAlert(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: alert %d: %v", ErrMalformedPayload, i, err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func parseAlert(raw json.RawMessage) (Alert, error) {
	var w wireAlert
	if err := json.Unmarshal(raw, &w); err != nil {
		return Alert{}, err
	}

	name := strings.TrimSpace(w.Labels[AlertNameLabel])
	if name == "" {
		return Alert{}, fmt.Errorf("missing %s label", AlertNameLabel)
	}
	status, ok := model.ParseAlertStatus(w.Status)
	if !ok {
		return Alert{}, fmt.Errorf("unknown status %q", w.Status)
	}
	if w.StartsAt == nil || w.StartsAt.IsZero() {
		return Alert{}, fmt.Errorf("missing startsAt")
	}

	startsAt := w.StartsAt.UTC()
	var endsAt *time.Time
	// Alertmanager sends the zero time for alerts that are still firing
	if w.EndsAt != nil && !w.EndsAt.IsZero() {
		t := w.EndsAt.UTC()
		if t.Before(startsAt) {
			return Alert{}, fmt.Errorf("endsAt %s is before startsAt %s", t.Format(time.RFC3339), startsAt.Format(time.RFC3339))
		}
		endsAt = &t
	}

	labels := w.Labels
	annotations := w.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}

	return Alert{
		Name:         name,
		Status:       status,
		Labels:       labels,
		Annotations:  annotations,
		StartsAt:     startsAt,
		EndsAt:       endsAt,
		GeneratorURL: w.GeneratorURL,
		Fingerprint:  strings.TrimSpace(w.Fingerprint),
		Raw:          raw,
	}, nil
}
