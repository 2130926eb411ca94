package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/sirupsen/logrus"
)

// EmailTransport delivers one rendered notification. The default transport
// writes to the log; a real SMTP or webhook transport plugs in here.
type EmailTransport interface {
	Send(ctx context.Context, subject, body string) error
}

// LogEmailTransport renders notifications into the structured log. Useful in
// development and as the fallback when no mail relay is configured.
type LogEmailTransport struct{}

func (t *LogEmailTransport) Send(ctx context.Context, subject, body string) error {
	logrus.WithFields(logrus.Fields{
		"component": "notifier",
		"subject":   subject,
	}).Info("Notification dispatched:\n" + body)
	return nil
}

// Notifier turns reconciliation outcomes and scheduled scans into outbound
// notifications. Flags gating one-shot notifications are only written after
// the transport reports success, so a failed dispatch retries next run.
type Notifier struct {
	store     Store
	transport EmailTransport
	config    *config.NotificationConfig

	// references notified during the current run, so a record that shows up
	// on several list pages produces one notification
	sentThisRun map[string]bool
}

// NewNotifier creates the dispatcher. A nil transport falls back to logging.
func NewNotifier(store Store, transport EmailTransport, notificationConfig *config.NotificationConfig) *Notifier {
	if transport == nil {
		transport = &LogEmailTransport{}
	}
	if notificationConfig == nil {
		notificationConfig = config.DefaultNotificationConfig()
	}
	return &Notifier{
		store:       store,
		transport:   transport,
		config:      notificationConfig,
		sentThisRun: make(map[string]bool),
	}
}

// NotifyRunOutcomes dispatches the new-tender and tender-update rules for one
// scrape run. Updates only notify for tenders someone cares about: favourites
// and keyword matches.
func (n *Notifier) NotifyRunOutcomes(ctx context.Context, source models.Source, outcomes []*ReconcileOutcome) error {
	n.sentThisRun = make(map[string]bool)

	var newItems []string
	var newTenders []*models.Tender
	var updateItems []string

	for _, outcome := range outcomes {
		tender := outcome.Tender
		if n.sentThisRun[tender.Reference] {
			continue
		}

		if outcome.Created || !tender.Notified {
			n.sentThisRun[tender.Reference] = true
			newItems = append(newItems, renderTenderSummary(tender))
			newTenders = append(newTenders, tender)
			continue
		}

		if outcome.Changed() && (tender.Favourite || tender.HasKeywords) {
			n.sentThisRun[tender.Reference] = true
			updateItems = append(updateItems, renderTenderUpdate(outcome))
		}
	}

	if len(newItems) > 0 {
		subject := fmt.Sprintf("[%s] %d new tender(s)", source, len(newItems))
		if err := n.deliver(ctx, subject, newItems); err != nil {
			return err
		}
		// only after successful dispatch
		for _, tender := range newTenders {
			if err := n.store.SetTenderNotified(ctx, tender.ID, true); err != nil {
				return err
			}
		}
	}

	if len(updateItems) > 0 {
		subject := fmt.Sprintf("[%s] %d tender update(s)", source, len(updateItems))
		if err := n.deliver(ctx, subject, updateItems); err != nil {
			return err
		}
	}

	return nil
}

// NotifyDeadlines fires the deadline-proximity rule: once per configured
// threshold per tender, guarded by a persisted record so restarts do not
// repeat reminders.
func (n *Notifier) NotifyDeadlines(ctx context.Context, now time.Time) error {
	for _, thresholdDays := range n.config.DeadlineThresholdDays {
		tenders, err := n.store.TendersForDeadlineThreshold(ctx, thresholdDays, now)
		if err != nil {
			return err
		}
		if len(tenders) == 0 {
			continue
		}

		var items []string
		for i := range tenders {
			items = append(items, renderTenderSummary(&tenders[i]))
		}

		subject := fmt.Sprintf("%d tender(s) closing within %d day(s)", len(tenders), thresholdDays)
		if err := n.deliver(ctx, subject, items); err != nil {
			return err
		}

		for i := range tenders {
			if err := n.store.RecordDeadlineNotification(ctx, tenders[i].ID, thresholdDays); err != nil {
				return err
			}
		}

		logrus.WithFields(logrus.Fields{
			"component":      "notifier",
			"threshold_days": thresholdDays,
			"tenders":        len(tenders),
		}).Info("Deadline reminders dispatched")
	}
	return nil
}

// NotifyRenewals fires the one-shot award renewal reminder ahead of the
// renewal date by the configured lead time.
func (n *Notifier) NotifyRenewals(ctx context.Context, now time.Time) error {
	horizon := now.AddDate(0, n.config.RenewalLeadMonths, 0)
	awards, err := n.store.AwardsDueForRenewal(ctx, horizon)
	if err != nil {
		return err
	}

	for i := range awards {
		award := &awards[i]
		body := fmt.Sprintf("Contract renewal due %s", award.RenewalDate.Format("2006-01-02"))
		if award.Value != nil {
			body += fmt.Sprintf("\nValue: %.2f %s", *award.Value, award.Currency)
		}

		if err := n.transport.Send(ctx, "Contract renewal approaching", body); err != nil {
			return err
		}
		if err := n.store.SetAwardRenewalNotified(ctx, award.ID); err != nil {
			return err
		}
	}
	return nil
}

// NotifyOperator reports a run-level failure to the operator channel. Never
// returns the transport error: a broken operator channel must not mask the
// original failure.
func (n *Notifier) NotifyOperator(ctx context.Context, source models.Source, runErr error) {
	subject := fmt.Sprintf("[%s] scrape run failed", source)
	body := runErr.Error()
	if n.config.OperatorEmail != "" {
		body = fmt.Sprintf("To: %s\n\n%s", n.config.OperatorEmail, body)
	}
	if err := n.transport.Send(ctx, subject, body); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "notifier",
			"source":    source,
		}).WithError(err).Error("Failed to notify operator")
	}
}

// deliver sends items as one digest or one message each, per configuration
func (n *Notifier) deliver(ctx context.Context, subject string, items []string) error {
	if n.config.Digest {
		return n.transport.Send(ctx, subject, strings.Join(items, "\n---\n"))
	}
	for _, item := range items {
		if err := n.transport.Send(ctx, subject, item); err != nil {
			return err
		}
	}
	return nil
}

func renderTenderSummary(tender *models.Tender) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s - %s\n", tender.Reference, tender.Title)
	if tender.Organization != "" {
		fmt.Fprintf(&builder, "Organization: %s\n", tender.Organization)
	}
	if tender.Deadline != nil {
		fmt.Fprintf(&builder, "Deadline: %s\n", tender.Deadline.UTC().Format("2006-01-02 15:04 MST"))
	}
	if tender.URL != "" {
		fmt.Fprintf(&builder, "%s\n", tender.URL)
	}
	return builder.String()
}

func renderTenderUpdate(outcome *ReconcileOutcome) string {
	var builder strings.Builder
	builder.WriteString(renderTenderSummary(outcome.Tender))
	if len(outcome.Changes) > 0 {
		builder.WriteString("Changed fields:\n")
		builder.WriteString(DescribeChanges(outcome.Changes))
	}
	for _, document := range outcome.NewDocuments {
		fmt.Fprintf(&builder, "New document: %s\n", document.Name)
	}
	for _, document := range outcome.StaleURLDocs {
		fmt.Fprintf(&builder, "Document link changed: %s\n", document.Name)
	}
	return builder.String()
}
