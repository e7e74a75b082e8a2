package sync

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/inbox"
)

// NextcloudDriver lists a WebDAV folder with PROPFIND Depth:1 on every run.
// It keeps no cursor; dedup rests entirely on the (href, etag|lastModified)
// source key.
type NextcloudDriver struct {
	sink   Sink
	client *http.Client
	logger *zap.Logger
}

// NewNextcloudDriver creates a Nextcloud WebDAV driver.
func NewNextcloudDriver(sink Sink, logger *zap.Logger) *NextcloudDriver {
	return &NextcloudDriver{
		sink:   sink,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

// davMultistatus mirrors the PROPFIND response envelope.
type davMultistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string        `xml:"href"`
	Propstat []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Prop davProp `xml:"prop"`
}

type davProp struct {
	ETag          string      `xml:"getetag"`
	LastModified  string      `xml:"getlastmodified"`
	ContentLength int64       `xml:"getcontentlength"`
	ContentType   string      `xml:"getcontenttype"`
	ResourceType  davResource `xml:"resourcetype"`
}

type davResource struct {
	Collection *struct{} `xml:"collection"`
}

const propfindBody = `<?xml version="1.0"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:getetag/>
    <d:getlastmodified/>
    <d:getcontentlength/>
    <d:getcontenttype/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

// Sync lists the folder and ingests files not yet seen.
func (n *NextcloudDriver) Sync(ctx context.Context, conn *entity.Connection, _ *entity.SyncState) (int, error) {
	base := n.folderURL(conn)
	responses, err := n.propfind(ctx, conn, base)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, r := range responses {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		prop := firstProp(r)
		if prop == nil || prop.ResourceType.Collection != nil {
			continue
		}
		// hrefs arrive percent-encoded; store the human-readable name
		name := path.Base(r.Href)
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
		if !IsCandidate(name) {
			continue
		}

		version := prop.ETag
		if version == "" {
			version = prop.LastModified
		}
		sourceKey := fmt.Sprintf("nextcloud:%s:%s:%s", conn.ID, r.Href, version)
		if alreadyIngested(n.sink, sourceKey) {
			continue
		}

		data, err := n.download(ctx, conn, r.Href)
		if err != nil {
			n.logger.Error("Nextcloud download failed",
				zap.String("href", r.Href), zap.Error(err))
			continue
		}

		fileType := prop.ContentType
		if fileType == "" {
			fileType = mimeFor(name)
		}
		_, err = n.sink.AddInvoice(ctx, entity.SourceStorage, data, inbox.Metadata{
			FileName:   name,
			FileType:   fileType,
			FileSize:   prop.ContentLength,
			SourceKey:  sourceKey,
			SourcePath: r.Href,
		})
		if err != nil {
			n.logger.Error("Failed to ingest Nextcloud file",
				zap.String("href", r.Href), zap.Error(err))
			continue
		}
		added++
	}
	return added, nil
}

// folderURL builds the DAV endpoint from (baseUrl, username, path) unless the
// connection carries a full URL already.
func (n *NextcloudDriver) folderURL(conn *entity.Connection) string {
	base := strings.TrimRight(conn.BaseURL, "/")
	if strings.Contains(base, "/remote.php/") {
		return base + "/" + strings.TrimLeft(conn.Path, "/")
	}
	return base + "/remote.php/dav/files/" + url.PathEscape(conn.Username) + "/" + strings.TrimLeft(conn.Path, "/")
}

func (n *NextcloudDriver) propfind(ctx context.Context, conn *entity.Connection, endpoint string) ([]davResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", endpoint, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(conn.Username, conn.Password)
	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav propfind: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("webdav propfind returned %d", resp.StatusCode)
	}

	var ms davMultistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decode propfind response: %w", err)
	}

	return ms.Responses, nil
}

func (n *NextcloudDriver) download(ctx context.Context, conn *entity.Connection, href string) ([]byte, error) {
	u, err := url.Parse(conn.BaseURL)
	if err != nil {
		return nil, err
	}
	// The href is already percent-encoded. Setting it as Path verbatim would
	// escape the escapes on serialization, so decode it and keep the encoded
	// form as RawPath.
	decoded, err := url.PathUnescape(href)
	if err != nil {
		return nil, fmt.Errorf("malformed dav href %q: %w", href, err)
	}
	u.Path = decoded
	u.RawPath = href

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(conn.Username, conn.Password)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webdav download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func firstProp(r davResponse) *davProp {
	if len(r.Propstat) == 0 {
		return nil
	}
	return &r.Propstat[0].Prop
}
