package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/niczy/gitreview/internal/models"
	"github.com/wneessen/go-mail"
)

// AccountSource resolves account ids to addresses.
type AccountSource interface {
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
}

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type mailClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// MailSender renders events as plain text mail and sends them over SMTP.
type MailSender struct {
	client   mailClient
	from     string
	accounts AccountSource
	baseURL  string
}

// NewMailSender creates a sender for cfg. baseURL prefixes change links and may be empty.
func NewMailSender(cfg SMTPConfig, accounts AccountSource, baseURL string) (*MailSender, error) {
	opts := []mail.Option{mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if cfg.Port != 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &MailSender{client: client, from: cfg.From, accounts: accounts, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Send renders ev and delivers it. Events with no resolvable recipient are skipped.
func (s *MailSender) Send(ctx context.Context, ev Event) error {
	msg, err := s.render(ctx, ev)
	if err != nil || msg == nil {
		return err
	}
	return s.client.DialAndSendWithContext(ctx, msg)
}

func (s *MailSender) render(ctx context.Context, ev Event) (*mail.Msg, error) {
	to := s.addresses(ctx, ev.Reviewers, ev.From)
	cc := s.addresses(ctx, ev.CC, ev.From)
	if len(to) == 0 && len(cc) == 0 {
		return nil, nil
	}

	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("from address %q: %w", s.from, err)
	}
	if len(to) > 0 {
		if err := m.To(to...); err != nil {
			return nil, err
		}
	}
	if len(cc) > 0 {
		if err := m.Cc(cc...); err != nil {
			return nil, err
		}
	}
	m.Subject(Subject(ev))
	m.SetBodyString(mail.TypeTextPlain, s.body(ctx, ev))
	m.SetMessageID()
	m.SetDate()
	return m, nil
}

// addresses returns the preferred emails of ids, skipping from and unknown accounts.
func (s *MailSender) addresses(ctx context.Context, ids []int64, from int64) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if id == from {
			continue
		}
		account, err := s.accounts.GetAccount(ctx, id)
		if err != nil || account.PreferredEmail == "" || seen[account.PreferredEmail] {
			continue
		}
		seen[account.PreferredEmail] = true
		out = append(out, account.PreferredEmail)
	}
	return out
}

// Subject formats the mail subject line of ev.
func Subject(ev Event) string {
	switch ev.Kind {
	case KindNewChange:
		return fmt.Sprintf("Change %d: %s", ev.Change.ID, ev.Change.Subject)
	case KindMerged:
		return fmt.Sprintf("Change %d merged: %s", ev.Change.ID, ev.Change.Subject)
	default:
		return fmt.Sprintf("Change %d, patch set %d: %s", ev.Change.ID, ev.PatchSet.ID.PatchSetNum, ev.Change.Subject)
	}
}

func (s *MailSender) body(ctx context.Context, ev Event) string {
	var b strings.Builder
	author := "Someone"
	if a, err := s.accounts.GetAccount(ctx, ev.From); err == nil {
		author = a.NameEmail()
	}

	switch ev.Kind {
	case KindNewChange:
		fmt.Fprintf(&b, "%s has uploaded a new change for review.\n\n", author)
	case KindNewPatchSet:
		fmt.Fprintf(&b, "%s has uploaded a new patch set (#%d).\n\n", author, ev.PatchSet.ID.PatchSetNum)
	case KindMerged:
		fmt.Fprintf(&b, "%s has submitted this change and it was merged.\n\n", author)
	}
	if s.baseURL != "" {
		fmt.Fprintf(&b, "Change subject: %s\n%s/%d\n\n", ev.Change.Subject, s.baseURL, ev.Change.ID)
	}
	if ev.Message != "" {
		b.WriteString(ev.Message)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Project: %s\nBranch: %s\nChange-Id: %s\nRevision: %s\n",
		ev.Change.Project, ev.Change.Dest, ev.Change.Key, ev.PatchSet.Revision)
	return b.String()
}
