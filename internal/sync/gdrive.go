package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/inbox"
)

const gdriveAPIURL = "https://www.googleapis.com/drive/v3"

// GDriveDriver polls a Google Drive folder, keeping a modifiedTime high-water
// mark as the incremental cursor. A 401 triggers one token refresh and retry.
type GDriveDriver struct {
	sink   Sink
	bus    dispatcher.Dispatcher
	client *http.Client
	logger *zap.Logger

	apiURL string
}

// NewGDriveDriver creates a Google Drive driver.
func NewGDriveDriver(sink Sink, bus dispatcher.Dispatcher, logger *zap.Logger) *GDriveDriver {
	return &GDriveDriver{
		sink:   sink,
		bus:    bus,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
		apiURL: gdriveAPIURL,
	}
}

type gdriveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
}

type gdrivePage struct {
	Files         []gdriveFile `json:"files"`
	NextPageToken string       `json:"nextPageToken"`
}

// Sync lists files newer than the saved high-water mark and ingests new
// candidates. After a fully successful run the mark advances to the largest
// observed modifiedTime minus one second, tolerating provider clock skew. A
// failed download or ingest keeps the old mark so the file is re-listed on
// the next run.
func (g *GDriveDriver) Sync(ctx context.Context, conn *entity.Connection, state *entity.SyncState) (int, error) {
	added := 0
	failed := 0
	maxModified := ""
	pageToken := ""

	for {
		page, err := g.listPage(ctx, conn, state.Since, pageToken)
		if err != nil {
			return added, err
		}

		for _, f := range page.Files {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			if !IsCandidate(f.Name) {
				continue
			}
			if f.ModifiedTime > maxModified {
				maxModified = f.ModifiedTime
			}

			sourceKey := fmt.Sprintf("gdrive:%s:%s:%s", conn.ID, f.ID, f.ModifiedTime)
			if alreadyIngested(g.sink, sourceKey) {
				continue
			}

			data, err := g.download(ctx, conn, f.ID)
			if err != nil {
				g.logger.Error("Google Drive download failed",
					zap.String("file", f.Name), zap.Error(err))
				failed++
				continue
			}

			size, _ := strconv.ParseInt(f.Size, 10, 64)
			_, err = g.sink.AddInvoice(ctx, entity.SourceStorage, data, inbox.Metadata{
				FileName:  f.Name,
				FileType:  mimeFor(f.Name),
				FileSize:  size,
				SourceKey: sourceKey,
			})
			if err != nil {
				g.logger.Error("Failed to ingest Google Drive file",
					zap.String("file", f.Name), zap.Error(err))
				failed++
				continue
			}
			added++
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if failed > 0 {
		g.logger.Warn("Keeping high-water mark, run had failures",
			zap.String("connection_id", conn.ID), zap.Int("failed", failed))
		return added, nil
	}

	if maxModified != "" {
		if t, err := time.Parse(time.RFC3339, maxModified); err == nil {
			state.Since = t.Add(-time.Second).UTC().Format(time.RFC3339)
		} else {
			state.Since = maxModified
		}
		g.publishState(ctx, conn, state)
	}
	return added, nil
}

func (g *GDriveDriver) listPage(ctx context.Context, conn *entity.Connection, since, pageToken string) (*gdrivePage, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false", conn.FolderID)
	if since != "" {
		query += fmt.Sprintf(" and modifiedTime > '%s'", since)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("fields", "nextPageToken,files(id,name,mimeType,size,modifiedTime)")
	params.Set("pageSize", "100")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var page gdrivePage
	err := g.getJSON(ctx, conn, g.apiURL+"/files?"+params.Encode(), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (g *GDriveDriver) download(ctx context.Context, conn *entity.Connection, fileID string) ([]byte, error) {
	resp, err := g.doAuthorized(ctx, conn, g.apiURL+"/files/"+fileID+"?alt=media")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("drive download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (g *GDriveDriver) getJSON(ctx context.Context, conn *entity.Connection, endpoint string, out interface{}) error {
	resp, err := g.doAuthorized(ctx, conn, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("drive request returned %d", resp.StatusCode)
	}
	return decodeJSON(resp.Body, out)
}

// doAuthorized issues a GET with the bearer token, refreshing it once on 401.
func (g *GDriveDriver) doAuthorized(ctx context.Context, conn *entity.Connection, endpoint string) (*http.Response, error) {
	resp, err := g.get(ctx, conn, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if err := refreshOAuthToken(ctx, g.client, conn, g.bus, g.logger); err != nil {
		return nil, fmt.Errorf("401 and token refresh failed: %w", err)
	}
	return g.get(ctx, conn, endpoint)
}

func (g *GDriveDriver) get(ctx context.Context, conn *entity.Connection, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken(conn))
	return g.client.Do(req)
}

func (g *GDriveDriver) publishState(ctx context.Context, conn *entity.Connection, state *entity.SyncState) {
	if g.bus == nil {
		return
	}
	g.bus.DispatchAsync(ctx, event.NewConnectionEvent(event.TypeStateChanged, conn.ID, map[string]interface{}{
		"stateKey": state.StateKey(),
	}))
}
