// Package mail sends the suite-failed notification email through Resend.
package mail

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/sentinelqa/sentinel/internal/model"
)

//go:embed suite-failed.tmpl
var suiteFailedTemplate string

var suiteFailed *template.Template

func init() {
	var err error

	suiteFailed, err = template.New("suite-failed").Parse(suiteFailedTemplate)
	if err != nil {
		panic(fmt.Sprintf("unable to parse suite-failed email template: %v", err))
	}
}

// SuiteFailedMessage is the send contract of the notification boundary.
type SuiteFailedMessage struct {
	To         string
	SuiteID    int
	SuiteName  string
	SuiteRunID int
	StartedAt  *time.Time
	FinishedAt *time.Time
	Runs       []RunSummary
}

type RunSummary struct {
	RunID      int
	RunName    string
	RunStatus  model.RunStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type Mailer struct {
	client *resend.Client
	from   string
	log    *slog.Logger
}

// New creates a Mailer sending from fromAddress via the Resend API.
func New(apiKey, fromAddress string, log *slog.Logger) *Mailer {
	return &Mailer{
		client: resend.NewClient(apiKey),
		from:   fromAddress,
		log:    log,
	}
}

// SendSuiteFailed sends exactly one email describing a failed suite run.
// Provider failures are returned to the caller; the outer workflow bounds
// the retries.
func (m *Mailer) SendSuiteFailed(ctx context.Context, msg SuiteFailedMessage) error {
	var body bytes.Buffer

	if err := suiteFailed.Execute(&body, msg); err != nil {
		return fmt.Errorf("rendering suite-failed email: %w", err)
	}

	sent, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: fmt.Sprintf("Suite %s Failed (#%d)", msg.SuiteName, msg.SuiteRunID),
		Html:    body.String(),
	})
	if err != nil {
		return fmt.Errorf("sending suite-failed email: %w", err)
	}

	m.log.Info("sent suite failure notification", "suite-run-id", msg.SuiteRunID, "email-id", sent.Id)

	return nil
}
