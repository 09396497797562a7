package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"carwatch/mailer"
	"carwatch/models"
	"carwatch/utils"
)

// maxListedMatches caps the listings shown in one notification.
const maxListedMatches = 10

// Transport delivers one message. mailer.SMTPMailer implements it.
type Transport interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// NotifyOutcome is the result of one Notify call.
type NotifyOutcome string

const (
	NotifySent    NotifyOutcome = "sent"
	NotifySkipped NotifyOutcome = "skipped"
	NotifyFailed  NotifyOutcome = "failed"
)

var notificationTemplate = template.Must(template.New("alert").Funcs(template.FuncMap{
	"money": func(l *models.Listing) string {
		if !l.Price.Valid {
			return "N/A"
		}
		return models.FormatMoney(l.Price.Decimal)
	},
	"mileage": func(l *models.Listing) string { return models.FormatMileage(l.Mileage) },
}).Parse(`<html><body style="font-family: Arial, sans-serif;">
<h2>🚗 New matches for your CarWatch alert</h2>
<p>Criteria: <strong>{{.Criteria}}</strong></p>
<table cellpadding="6" style="border-collapse: collapse;">
<tr><th align="left">Listing</th><th align="left">Price</th><th align="left">Mileage</th><th align="left">Location</th></tr>
{{- range .Listings}}
<tr><td><a href="{{.URL}}">{{.Title}}</a></td><td>{{money .}}</td><td>{{mileage .}}</td><td>{{.Location}}</td></tr>
{{- end}}
</table>
{{- if .More}}
<p>+{{.More}} more</p>
{{- end}}
</body></html>
`))

// Dispatcher composes and sends one notification per alert.
type Dispatcher struct {
	transport Transport
}

// NewDispatcher creates a Dispatcher over the given transport.
func NewDispatcher(t Transport) *Dispatcher {
	return &Dispatcher{transport: t}
}

// Notify sends a single message for the alert's batch of new matches.
// Missing transport credentials skip the send and are not an error; a
// transport failure is returned so the caller can count it.
func (d *Dispatcher) Notify(ctx context.Context, log *utils.Logger, alert *models.Alert, matches []*models.Listing) (NotifyOutcome, error) {
	if len(matches) == 0 {
		return NotifySkipped, nil
	}

	subject, body, err := ComposeNotification(alert, matches)
	if err != nil {
		return NotifyFailed, fmt.Errorf("notifier: compose: %w", err)
	}

	if d.transport == nil {
		log.Warn("[notifier] No transport configured, skipping alert %d (%d matches)", alert.ID, len(matches))
		return NotifySkipped, nil
	}

	err = d.transport.Send(ctx, alert.Email, subject, body)
	switch {
	case errors.Is(err, mailer.ErrNotConfigured):
		log.Warn("[notifier] Mail credentials not configured, skipping alert %d (%d matches)", alert.ID, len(matches))
		return NotifySkipped, nil
	case err != nil:
		return NotifyFailed, fmt.Errorf("notifier: send to %s: %w", alert.Email, err)
	}

	log.Info("[notifier] Sent %d matches to %s for alert %d", len(matches), alert.Email, alert.ID)
	return NotifySent, nil
}

// ComposeNotification renders the subject and HTML body. At most ten
// listings are shown, followed by a "+N more" line.
func ComposeNotification(alert *models.Alert, matches []*models.Listing) (string, string, error) {
	shown := matches
	more := 0
	if len(shown) > maxListedMatches {
		more = len(shown) - maxListedMatches
		shown = shown[:maxListedMatches]
	}

	noun := "matches"
	if len(matches) == 1 {
		noun = "match"
	}
	subject := fmt.Sprintf("CarWatch: %d new %s for %s", len(matches), noun, alert.Criteria.Describe())

	var buf bytes.Buffer
	err := notificationTemplate.Execute(&buf, struct {
		Criteria string
		Listings []*models.Listing
		More     int
	}{alert.Criteria.Describe(), shown, more})
	if err != nil {
		return "", "", err
	}
	return subject, buf.String(), nil
}
