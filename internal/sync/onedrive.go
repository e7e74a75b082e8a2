package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/inbox"
)

const onedriveAPIURL = "https://graph.microsoft.com/v1.0"

// OneDriveDriver walks the Graph delta stream of a folder. The deltaLink
// returned at the end of a walk is the cursor for the next run.
type OneDriveDriver struct {
	sink   Sink
	bus    dispatcher.Dispatcher
	client *http.Client
	logger *zap.Logger

	apiURL string
}

// NewOneDriveDriver creates a OneDrive driver.
func NewOneDriveDriver(sink Sink, bus dispatcher.Dispatcher, logger *zap.Logger) *OneDriveDriver {
	return &OneDriveDriver{
		sink:   sink,
		bus:    bus,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
		apiURL: onedriveAPIURL,
	}
}

type onedriveItem struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	ETag         string                 `json:"eTag"`
	Size         int64                  `json:"size"`
	LastModified string                 `json:"lastModifiedDateTime"`
	Folder       map[string]interface{} `json:"folder"`
	Deleted      map[string]interface{} `json:"deleted"`
	DownloadURL  string                 `json:"@microsoft.graph.downloadUrl"`
}

type onedrivePage struct {
	Value     []onedriveItem `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// Sync follows nextLink pages until the server hands out a fresh deltaLink,
// which is then persisted as the cursor. A failed download or ingest keeps
// the old cursor so the item is replayed on the next run.
func (o *OneDriveDriver) Sync(ctx context.Context, conn *entity.Connection, state *entity.SyncState) (int, error) {
	endpoint := state.DeltaLink
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/me/drive/items/%s/delta", o.apiURL, conn.FolderID)
	}

	added := 0
	failed := 0
	for endpoint != "" {
		page, err := o.fetchPage(ctx, conn, endpoint)
		if err != nil {
			return added, err
		}

		for _, item := range page.Value {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			if item.Folder != nil || item.Deleted != nil || !IsCandidate(item.Name) {
				continue
			}

			version := item.ETag
			if version == "" {
				version = item.LastModified
			}
			sourceKey := fmt.Sprintf("onedrive:%s:%s:%s", conn.ID, item.ID, version)
			if alreadyIngested(o.sink, sourceKey) {
				continue
			}

			data, err := o.download(ctx, conn, item)
			if err != nil {
				o.logger.Error("OneDrive download failed",
					zap.String("file", item.Name), zap.Error(err))
				failed++
				continue
			}

			_, err = o.sink.AddInvoice(ctx, entity.SourceStorage, data, inbox.Metadata{
				FileName:  item.Name,
				FileType:  mimeFor(item.Name),
				FileSize:  item.Size,
				SourceKey: sourceKey,
			})
			if err != nil {
				o.logger.Error("Failed to ingest OneDrive file",
					zap.String("file", item.Name), zap.Error(err))
				failed++
				continue
			}
			added++
		}

		if page.DeltaLink != "" {
			if failed > 0 {
				o.logger.Warn("Keeping delta cursor, run had failures",
					zap.String("connection_id", conn.ID), zap.Int("failed", failed))
				return added, nil
			}
			state.DeltaLink = page.DeltaLink
			o.publishState(ctx, conn, state)
			return added, nil
		}
		endpoint = page.NextLink
	}
	return added, nil
}

func (o *OneDriveDriver) fetchPage(ctx context.Context, conn *entity.Connection, endpoint string) (*onedrivePage, error) {
	resp, err := o.doAuthorized(ctx, conn, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph delta returned %d", resp.StatusCode)
	}

	var page onedrivePage
	if err := decodeJSON(resp.Body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (o *OneDriveDriver) download(ctx context.Context, conn *entity.Connection, item onedriveItem) ([]byte, error) {
	endpoint := item.DownloadURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/me/drive/items/%s/content", o.apiURL, item.ID)
	}
	resp, err := o.doAuthorized(ctx, conn, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// doAuthorized issues a GET with the bearer token, refreshing it once on 401.
func (o *OneDriveDriver) doAuthorized(ctx context.Context, conn *entity.Connection, endpoint string) (*http.Response, error) {
	resp, err := o.get(ctx, conn, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if err := refreshOAuthToken(ctx, o.client, conn, o.bus, o.logger); err != nil {
		return nil, fmt.Errorf("401 and token refresh failed: %w", err)
	}
	return o.get(ctx, conn, endpoint)
}

func (o *OneDriveDriver) get(ctx context.Context, conn *entity.Connection, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken(conn))
	return o.client.Do(req)
}

func (o *OneDriveDriver) publishState(ctx context.Context, conn *entity.Connection, state *entity.SyncState) {
	if o.bus == nil {
		return
	}
	o.bus.DispatchAsync(ctx, event.NewConnectionEvent(event.TypeStateChanged, conn.ID, map[string]interface{}{
		"stateKey": state.StateKey(),
	}))
}
