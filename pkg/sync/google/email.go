package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"mime"
	"slices"
	"strings"

	"google.golang.org/api/gmail/v1"

	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
)

const emailStage = "sync_google_email"

// Email is a rendered follow-up.
type Email struct {
	To      []string
	Subject string
	HTML    string
	Marker  string
}

// Raw renders the message as base64url RFC 2822, the form Gmail accepts.
func (e Email) Raw() string {
	var b strings.Builder
	if len(e.To) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.To, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	if e.Marker != "" {
		fmt.Fprintf(&b, "X-Meetpipe-Ref: %s\r\n", e.Marker)
	}
	b.WriteString("\r\n")
	b.WriteString(e.HTML)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// MailAPI is the Gmail surface the email target uses.
type MailAPI interface {
	CreateDraft(ctx context.Context, raw string) (string, error)
	UpdateDraft(ctx context.Context, id, raw string) (string, error)
	Send(ctx context.Context, raw string) (string, error)
	// Search returns the id of the first draft (or sent message) matching query, or "".
	Search(ctx context.Context, query string, drafts bool) (string, error)
}

// GmailAPI implements MailAPI over the Gmail REST client.
type GmailAPI struct {
	svc     *gmail.Service
	user    string
	limiter *RateLimiter
}

// NewGmailAPI wraps svc for the authenticated user.
func NewGmailAPI(svc *gmail.Service) *GmailAPI {
	return &GmailAPI{svc: svc, user: "me", limiter: NewRateLimiter(ServiceGmail)}
}

func (g *GmailAPI) CreateDraft(ctx context.Context, raw string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	d, err := g.svc.Users.Drafts.Create(g.user, &gmail.Draft{Message: &gmail.Message{Raw: raw}}).Context(ctx).Do()
	if err != nil {
		return "", wrapError(emailStage, g.limiter, err)
	}
	return d.Id, nil
}

func (g *GmailAPI) UpdateDraft(ctx context.Context, id, raw string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	d, err := g.svc.Users.Drafts.Update(g.user, id, &gmail.Draft{Id: id, Message: &gmail.Message{Raw: raw}}).Context(ctx).Do()
	if err != nil {
		return "", wrapError(emailStage, g.limiter, err)
	}
	return d.Id, nil
}

func (g *GmailAPI) Send(ctx context.Context, raw string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	m, err := g.svc.Users.Messages.Send(g.user, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", wrapError(emailStage, g.limiter, err)
	}
	return m.Id, nil
}

func (g *GmailAPI) Search(ctx context.Context, query string, drafts bool) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if drafts {
		resp, err := g.svc.Users.Drafts.List(g.user).Q(query).MaxResults(1).Context(ctx).Do()
		if err != nil {
			return "", wrapError(emailStage, g.limiter, err)
		}
		if len(resp.Drafts) == 0 {
			return "", nil
		}
		return resp.Drafts[0].Id, nil
	}
	resp, err := g.svc.Users.Messages.List(g.user).Q(query).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", wrapError(emailStage, g.limiter, err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].Id, nil
}

// EmailTarget writes one follow-up per meeting, as a draft or sent directly.
type EmailTarget struct {
	api        MailAPI
	send       bool
	recipients []string
	logger     logging.Logger
}

// EmailOption configures an EmailTarget.
type EmailOption func(*EmailTarget)

// WithSend sends the message instead of leaving a draft.
func WithSend(send bool) EmailOption {
	return func(t *EmailTarget) { t.send = send }
}

// WithRecipients adds fixed recipients to every follow-up.
func WithRecipients(to ...string) EmailOption {
	return func(t *EmailTarget) { t.recipients = append(t.recipients, to...) }
}

// WithEmailLogger sets the logger.
func WithEmailLogger(l logging.Logger) EmailOption {
	return func(t *EmailTarget) { t.logger = l }
}

// NewEmailTarget creates an email target over api.
func NewEmailTarget(api MailAPI, opts ...EmailOption) *EmailTarget {
	t := &EmailTarget{api: api, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logging.F("component", "gmail_target"))
	return t
}

func (t *EmailTarget) Provider() string { return mpsync.ProviderGoogle }

func (t *EmailTarget) Kind() string {
	if t.send {
		return mpsync.KindGmailMessage
	}
	return mpsync.KindGmailDraft
}

func (t *EmailTarget) Items(ctx context.Context, d *meetings.Details) ([]mpsync.Item, error) {
	key := mpsync.RefKey{
		LocalTable: mpsync.TableMeetings,
		LocalID:    d.Meeting.ID,
		Provider:   mpsync.ProviderGoogle,
		Kind:       t.Kind(),
	}
	to := Recipients(d, t.recipients)
	if t.send && len(to) == 0 {
		t.logger.Warn("no recipients for follow-up, not sending", logging.F("meeting_id", d.Meeting.ID))
		return nil, nil
	}
	html, err := RenderFollowUp(d, key.Marker())
	if err != nil {
		return nil, err
	}
	email := Email{To: to, Subject: "Follow-up: " + d.Meeting.Title, HTML: html, Marker: key.Marker()}

	// A sent message cannot change, so only its identity is fingerprinted.
	fp := mpsync.Fingerprint(d.Meeting.ID)
	if !t.send {
		fp = mpsync.Fingerprint(email.Subject, email.HTML, strings.Join(email.To, ","))
	}
	return []mpsync.Item{{Key: key, Title: email.Subject, Fingerprint: fp, Payload: email}}, nil
}

func (t *EmailTarget) Create(ctx context.Context, item mpsync.Item) (*mpsync.Remote, error) {
	email := item.Payload.(Email)
	if t.send {
		id, err := t.api.Send(ctx, email.Raw())
		if err != nil {
			return nil, err
		}
		return &mpsync.Remote{ID: id, Metadata: map[string]any{"recipients": email.To}}, nil
	}
	id, err := t.api.CreateDraft(ctx, email.Raw())
	if err != nil {
		return nil, err
	}
	return &mpsync.Remote{ID: id, URL: draftURL(id), Metadata: map[string]any{"recipients": email.To}}, nil
}

func (t *EmailTarget) Update(ctx context.Context, externalID string, item mpsync.Item) (*mpsync.Remote, error) {
	if t.send {
		return &mpsync.Remote{ID: externalID}, nil
	}
	email := item.Payload.(Email)
	id, err := t.api.UpdateDraft(ctx, externalID, email.Raw())
	if err != nil {
		return nil, err
	}
	return &mpsync.Remote{ID: id, URL: draftURL(id), Metadata: map[string]any{"recipients": email.To}}, nil
}

func (t *EmailTarget) FindByMarker(ctx context.Context, marker string) (*mpsync.Remote, error) {
	query := fmt.Sprintf("%q", marker)
	if t.send {
		query = "in:sent " + query
	}
	id, err := t.api.Search(ctx, query, !t.send)
	if err != nil || id == "" {
		return nil, err
	}
	return &mpsync.Remote{ID: id}, nil
}

func draftURL(id string) string {
	return "https://mail.google.com/mail/#drafts?compose=" + id
}

// Recipients collects fixed recipients, action item owner emails and any
// participant recorded as an address, deduplicated and sorted.
func Recipients(d *meetings.Details, fixed []string) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" || !strings.Contains(addr, "@") || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}
	for _, a := range fixed {
		add(a)
	}
	for _, ai := range d.ActionItems {
		add(ai.OwnerEmail)
	}
	for _, p := range d.Meeting.Participants {
		add(p)
	}
	slices.Sort(out)
	return out
}

var followUpTemplate = template.Must(template.New("followup").Parse(`<html><body>
<h2>Follow-up: {{.Meeting.Title}}</h2>
{{- if .Meeting.Summary}}
<h3>Summary</h3>
<p>{{.Meeting.Summary}}</p>
{{- end}}
{{- if .Decisions}}
<h3>Decisions</h3>
<ul>
{{- range .Decisions}}
<li>{{.Text}}{{if .Rationale}} ({{.Rationale}}){{end}}</li>
{{- end}}
</ul>
{{- end}}
{{- if .ActionItems}}
<h3>Action Items</h3>
<ul>
{{- range .ActionItems}}
<li><strong>{{.Title}}</strong> - {{if .OwnerName}}{{.OwnerName}}{{else}}Unassigned{{end}}{{if .DueDate}} (Due: {{.DueDate}}){{end}}{{if .Description}}<br>{{.Description}}{{end}}</li>
{{- end}}
</ul>
{{- end}}
<p style="color:#999999;font-size:10px">{{.Marker}}</p>
</body></html>
`))

// RenderFollowUp renders the follow-up email body.
func RenderFollowUp(d *meetings.Details, marker string) (string, error) {
	var buf bytes.Buffer
	err := followUpTemplate.Execute(&buf, struct {
		*meetings.Details
		Marker string
	}{d, marker})
	if err != nil {
		return "", fmt.Errorf("render follow-up: %w", err)
	}
	return buf.String(), nil
}
