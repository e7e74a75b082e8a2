package entity

import "time"

// Provider identifies a remote storage or mailbox provider.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderDropbox   Provider = "dropbox"
	ProviderGDrive    Provider = "gdrive"
	ProviderOneDrive  Provider = "onedrive"
	ProviderNextcloud Provider = "nextcloud"
	ProviderIMAP      Provider = "imap"
	ProviderGmail     Provider = "gmail"
	ProviderOutlook   Provider = "outlook"
)

// DefaultPriority returns the sync ordering weight for a provider. Lower
// values are polled first, so when the same logical file is reachable
// through two connections the lower-weight one wins the sourceKey.
func (p Provider) DefaultPriority() int {
	switch p {
	case ProviderDropbox:
		return 10
	case ProviderGDrive:
		return 20
	case ProviderOneDrive:
		return 25
	case ProviderNextcloud:
		return 30
	case ProviderLocal:
		return 40
	default:
		return 100
	}
}

// OAuthCredentials holds token material for one connection. Mutated in place
// after a refresh; the owning driver broadcasts the update so it can be
// persisted.
type OAuthCredentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	TokenURL     string    `json:"tokenUrl,omitempty"`
}

// Connection describes one watched remote folder or mailbox.
type Connection struct {
	ID       string            `json:"id"`
	Provider Provider          `json:"provider"`
	Enabled  bool              `json:"enabled"`
	Priority *int              `json:"priority,omitempty"`
	FolderID string            `json:"folderId,omitempty"`
	Path     string            `json:"path,omitempty"`
	BaseURL  string            `json:"baseUrl,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	OAuth    *OAuthCredentials `json:"oauth,omitempty"`
}

// EffectivePriority resolves the explicit priority override, falling back to
// the provider default.
func (c *Connection) EffectivePriority() int {
	if c.Priority != nil {
		return *c.Priority
	}
	return c.Provider.DefaultPriority()
}

// SyncState carries the per-(connection, folder) incremental cursor of one
// provider. Exactly one of the cursor fields is meaningful per provider;
// Nextcloud is stateless and keeps none.
type SyncState struct {
	ConnectionID string `json:"connectionId"`
	Folder       string `json:"folder,omitempty"`
	// Dropbox continuation cursor.
	Cursor string `json:"cursor,omitempty"`
	// Google Drive modifiedTime high-water mark (RFC 3339).
	Since string `json:"since,omitempty"`
	// OneDrive Graph delta link (full URL).
	DeltaLink string `json:"deltaLink,omitempty"`
}

// StateKey returns the map key for a sync state entry.
func (s SyncState) StateKey() string {
	return s.ConnectionID + "/" + s.Folder
}
