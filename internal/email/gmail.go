package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

const gmailAPIURL = "https://gmail.googleapis.com/gmail/v1"

// GmailMailbox lists attachment-bearing messages through the Gmail REST API.
type GmailMailbox struct {
	conn   *entity.Connection
	client *http.Client
	logger *zap.Logger

	apiURL string
	// Gmail search expression; defaults to recent messages with attachments.
	query string
}

// NewGmailMailbox creates a Gmail mailbox for one connection.
func NewGmailMailbox(conn *entity.Connection, logger *zap.Logger) *GmailMailbox {
	return &GmailMailbox{
		conn:   conn,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
		apiURL: gmailAPIURL,
		query:  "has:attachment newer_than:30d",
	}
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type gmailListResponse struct {
	Messages []gmailMessageRef `json:"messages"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailPart struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Body     struct {
		AttachmentID string `json:"attachmentId"`
		Size         int64  `json:"size"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID      string `json:"id"`
	Payload struct {
		Headers []gmailHeader `json:"headers"`
		Parts   []gmailPart   `json:"parts"`
	} `json:"payload"`
}

// ListAttachments walks recent attachment-bearing messages and flattens
// their MIME trees into attachment records.
func (g *GmailMailbox) ListAttachments(ctx context.Context) ([]Attachment, error) {
	params := url.Values{}
	params.Set("q", g.query)
	params.Set("maxResults", "50")

	var list gmailListResponse
	if err := g.getJSON(ctx, g.apiURL+"/users/me/messages?"+params.Encode(), &list); err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	var out []Attachment
	for _, ref := range list.Messages {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var msg gmailMessage
		if err := g.getJSON(ctx, g.apiURL+"/users/me/messages/"+ref.ID+"?format=full", &msg); err != nil {
			g.logger.Warn("Failed to fetch Gmail message",
				zap.String("message_id", ref.ID), zap.Error(err))
			continue
		}

		subject := headerValue(msg.Payload.Headers, "Subject")
		from := headerValue(msg.Payload.Headers, "From")
		date := headerValue(msg.Payload.Headers, "Date")
		collectGmailParts(msg.Payload.Parts, &out, msg.ID, subject, from, date)
	}
	return out, nil
}

// DownloadAttachment fetches and decodes one attachment body.
func (g *GmailMailbox) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body struct {
		Data string `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/users/me/messages/%s/attachments/%s", g.apiURL, messageID, attachmentID)
	if err := g.getJSON(ctx, endpoint, &body); err != nil {
		return nil, fmt.Errorf("gmail attachment: %w", err)
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
}

func (g *GmailMailbox) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if g.conn.OAuth != nil {
		req.Header.Set("Authorization", "Bearer "+g.conn.OAuth.AccessToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gmail API returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func collectGmailParts(parts []gmailPart, out *[]Attachment, messageID, subject, from, date string) {
	for _, p := range parts {
		if p.Filename != "" && p.Body.AttachmentID != "" {
			*out = append(*out, Attachment{
				MessageID:    messageID,
				AttachmentID: p.Body.AttachmentID,
				FileName:     p.Filename,
				FileType:     p.MimeType,
				FileSize:     p.Body.Size,
				EmailSubject: subject,
				EmailFrom:    from,
				EmailDate:    date,
			})
		}
		collectGmailParts(p.Parts, out, messageID, subject, from, date)
	}
}

func headerValue(headers []gmailHeader, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
