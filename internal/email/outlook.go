package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

const outlookAPIURL = "https://graph.microsoft.com/v1.0"

// OutlookMailbox lists attachment-bearing messages through the Microsoft
// Graph API.
type OutlookMailbox struct {
	conn   *entity.Connection
	client *http.Client
	logger *zap.Logger

	apiURL string
}

// NewOutlookMailbox creates an Outlook mailbox for one connection.
func NewOutlookMailbox(conn *entity.Connection, logger *zap.Logger) *OutlookMailbox {
	return &OutlookMailbox{
		conn:   conn,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
		apiURL: outlookAPIURL,
	}
}

type outlookMessage struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	ReceivedAt   string `json:"receivedDateTime"`
	From         struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

type outlookAttachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"contentBytes"`
}

// ListAttachments enumerates recent messages with attachments and their
// file attachments.
func (o *OutlookMailbox) ListAttachments(ctx context.Context) ([]Attachment, error) {
	var list struct {
		Value []outlookMessage `json:"value"`
	}
	endpoint := o.apiURL + "/me/messages?$filter=hasAttachments eq true&$top=50&$select=id,subject,from,receivedDateTime"
	if err := o.getJSON(ctx, endpoint, &list); err != nil {
		return nil, fmt.Errorf("graph message list: %w", err)
	}

	var out []Attachment
	for _, msg := range list.Value {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var atts struct {
			Value []outlookAttachment `json:"value"`
		}
		if err := o.getJSON(ctx, o.apiURL+"/me/messages/"+msg.ID+"/attachments", &atts); err != nil {
			o.logger.Warn("Failed to list Outlook attachments",
				zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		for _, a := range atts.Value {
			if a.ODataType != "" && a.ODataType != "#microsoft.graph.fileAttachment" {
				continue
			}
			out = append(out, Attachment{
				MessageID:    msg.ID,
				AttachmentID: a.ID,
				FileName:     a.Name,
				FileType:     a.ContentType,
				FileSize:     a.Size,
				EmailSubject: msg.Subject,
				EmailFrom:    msg.From.EmailAddress.Address,
				EmailDate:    msg.ReceivedAt,
			})
		}
	}
	return out, nil
}

// DownloadAttachment fetches one attachment and decodes its content bytes.
func (o *OutlookMailbox) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var att outlookAttachment
	endpoint := o.apiURL + "/me/messages/" + messageID + "/attachments/" + attachmentID
	if err := o.getJSON(ctx, endpoint, &att); err != nil {
		return nil, fmt.Errorf("graph attachment: %w", err)
	}
	if att.ContentBytes == "" {
		return nil, fmt.Errorf("attachment %s carries no content", attachmentID)
	}
	return base64.StdEncoding.DecodeString(att.ContentBytes)
}

func (o *OutlookMailbox) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if o.conn.OAuth != nil {
		req.Header.Set("Authorization", "Bearer "+o.conn.OAuth.AccessToken)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph API returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
