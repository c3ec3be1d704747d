// Package notifier tells advertisers by email and operators by Telegram
// about confirmed payments and failed campaign links.
package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/storage"
)

// Alerter reaches the operators. A non-empty paymentID lets them relink
// from the message.
type Alerter interface {
	Alert(ctx context.Context, text, paymentID string) error
}

// Notifier processes engine callbacks and sends notifications.
// Delivery errors are logged and never returned.
type Notifier struct {
	mailer Mailer
	alerts Alerter
	log    *zap.Logger
}

// New creates a new Notifier. Either channel may be nil.
func New(mailer Mailer, alerts Alerter, log *zap.Logger) *Notifier {
	return &Notifier{
		mailer: mailer,
		alerts: alerts,
		log:    log,
	}
}

// PaymentConfirmed mails the advertiser and pings the operators
func (n *Notifier) PaymentConfirmed(ctx context.Context, p storage.Payment, campaigns []storage.Campaign) {
	log := n.log.With(zap.String("key", p.Key), zap.Int64("user_id", p.UserID))

	if n.mailer != nil && p.NotifyEmail != "" {
		subject := "Payment received: your campaigns are active"
		if err := n.mailer.Send(ctx, p.NotifyEmail, subject, formatConfirmedMail(p, campaigns)); err != nil {
			log.Error("send confirmation email", zap.Error(err))
		}
	}

	if n.alerts != nil {
		text := fmt.Sprintf("💰 Payment <code>%s</code> confirmed: %s %s, %d campaign(s)",
			html.EscapeString(p.Key), p.Expected.String(), html.EscapeString(p.Currency), len(campaigns))
		if err := n.alerts.Alert(ctx, text, ""); err != nil {
			log.Error("send confirmation alert", zap.Error(err))
		}
	}
}

// LinkFailed warns the operators that a paid campaign is not serving
func (n *Notifier) LinkFailed(ctx context.Context, p storage.Payment, c storage.Campaign, err error) {
	if n.alerts == nil {
		return
	}

	text := fmt.Sprintf("⚠️ Campaign #%d (zone %d) of paid <code>%s</code> was not linked\n\n<i>%s</i>",
		c.ID, c.ZoneID, html.EscapeString(p.Key), html.EscapeString(err.Error()))
	if aerr := n.alerts.Alert(ctx, text, p.ID); aerr != nil {
		n.log.Error("send link failure alert",
			zap.String("key", p.Key),
			zap.Int64("campaign_id", c.ID),
			zap.Error(aerr),
		)
	}
}

func formatConfirmedMail(p storage.Payment, campaigns []storage.Campaign) string {
	var sb strings.Builder
	sb.WriteString("Hello,\n\n")
	fmt.Fprintf(&sb, "we have received your payment of %s %s (reference %s).\n", p.Expected.String(), p.Currency, p.Key)
	if len(campaigns) > 0 {
		sb.WriteString("\nThe following campaigns are now active:\n")
		for _, c := range campaigns {
			fmt.Fprintf(&sb, "  campaign %d in zone %d, %s to %s\n",
				c.ID, c.ZoneID, c.BeginsAt.UTC().Format("2006-01-02"), c.StopsAt.UTC().Format("2006-01-02"))
		}
	}
	sb.WriteString("\nThank you for advertising with Beton.\n")
	return sb.String()
}
