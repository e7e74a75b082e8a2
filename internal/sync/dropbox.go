package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/inbox"
)

const (
	dropboxAPIURL     = "https://api.dropboxapi.com/2"
	dropboxContentURL = "https://content.dropboxapi.com/2"
)

// DropboxDriver lists a folder recursively through the paged list_folder API
// and resumes from the saved continuation cursor on later runs.
type DropboxDriver struct {
	sink   Sink
	bus    dispatcher.Dispatcher
	client *http.Client
	logger *zap.Logger

	// Endpoint bases, overridable in tests.
	apiURL     string
	contentURL string
}

// NewDropboxDriver creates a Dropbox driver.
func NewDropboxDriver(sink Sink, bus dispatcher.Dispatcher, logger *zap.Logger) *DropboxDriver {
	return &DropboxDriver{
		sink:       sink,
		bus:        bus,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		apiURL:     dropboxAPIURL,
		contentURL: dropboxContentURL,
	}
}

type dropboxEntry struct {
	Tag            string `json:".tag"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	PathDisplay    string `json:"path_display"`
	ServerModified string `json:"server_modified"`
	Size           int64  `json:"size"`
}

type dropboxPage struct {
	Entries []dropboxEntry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

// Sync walks new list_folder pages. The cursor is persisted into the state
// after every page; a cursor the server no longer accepts triggers one fresh
// full listing instead of an error.
func (d *DropboxDriver) Sync(ctx context.Context, conn *entity.Connection, state *entity.SyncState) (int, error) {
	added := 0
	page, err := d.listPage(ctx, conn, state.Cursor)
	if err != nil {
		if state.Cursor == "" {
			return 0, err
		}
		// Expired or truncated cursor: re-sync from scratch. Dedup via
		// source keys keeps this safe.
		d.logger.Warn("Dropbox cursor rejected, restarting listing",
			zap.String("connection_id", conn.ID), zap.Error(err))
		state.Cursor = ""
		page, err = d.listPage(ctx, conn, "")
		if err != nil {
			return 0, err
		}
	}

	for {
		n, err := d.ingestPage(ctx, conn, page.Entries)
		added += n
		if err != nil {
			return added, err
		}

		state.Cursor = page.Cursor
		d.publishState(ctx, conn, state)

		if !page.HasMore {
			return added, nil
		}
		page, err = d.listPage(ctx, conn, page.Cursor)
		if err != nil {
			return added, err
		}
	}
}

func (d *DropboxDriver) listPage(ctx context.Context, conn *entity.Connection, cursor string) (*dropboxPage, error) {
	var endpoint string
	var body interface{}
	if cursor != "" {
		endpoint = d.apiURL + "/files/list_folder/continue"
		body = map[string]string{"cursor": cursor}
	} else {
		endpoint = d.apiURL + "/files/list_folder"
		body = map[string]interface{}{
			"path":      conn.Path,
			"recursive": true,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken(conn))
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dropbox list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("dropbox list returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var page dropboxPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode dropbox listing: %w", err)
	}
	return &page, nil
}

func (d *DropboxDriver) ingestPage(ctx context.Context, conn *entity.Connection, entries []dropboxEntry) (int, error) {
	added := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		if e.Tag != "file" || !IsCandidate(e.Name) {
			continue
		}

		fileID := e.ID
		if fileID == "" {
			fileID = e.PathDisplay
		}
		if fileID == "" {
			fileID = e.Name
		}
		sourceKey := fmt.Sprintf("dropbox:%s:%s:%s", conn.ID, fileID, e.ServerModified)
		if alreadyIngested(d.sink, sourceKey) {
			continue
		}

		data, err := d.download(ctx, conn, e)
		if err != nil {
			d.logger.Error("Dropbox download failed",
				zap.String("file", e.PathDisplay), zap.Error(err))
			continue
		}

		_, err = d.sink.AddInvoice(ctx, entity.SourceStorage, data, inbox.Metadata{
			FileName:   e.Name,
			FileType:   mimeFor(e.Name),
			FileSize:   e.Size,
			SourceKey:  sourceKey,
			SourcePath: e.PathDisplay,
		})
		if err != nil {
			d.logger.Error("Failed to ingest Dropbox file",
				zap.String("file", e.PathDisplay), zap.Error(err))
			continue
		}
		added++
	}
	return added, nil
}

func (d *DropboxDriver) download(ctx context.Context, conn *entity.Connection, e dropboxEntry) ([]byte, error) {
	target := e.PathDisplay
	if target == "" {
		target = path.Join(conn.Path, e.Name)
	}
	arg, err := json.Marshal(map[string]string{"path": target})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.contentURL+"/files/download", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken(conn))
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dropbox download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (d *DropboxDriver) publishState(ctx context.Context, conn *entity.Connection, state *entity.SyncState) {
	if d.bus == nil {
		return
	}
	d.bus.DispatchAsync(ctx, event.NewConnectionEvent(event.TypeStateChanged, conn.ID, map[string]interface{}{
		"stateKey": state.StateKey(),
	}))
}

// accessToken reads the bearer token off a connection, tolerating missing
// credentials (the request will simply 401).
func accessToken(conn *entity.Connection) string {
	if conn.OAuth == nil {
		return ""
	}
	return conn.OAuth.AccessToken
}
