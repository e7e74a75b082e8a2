package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
)

// refreshResponse is the OAuth token endpoint reply.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshOAuthToken exchanges the refresh token at the connection's token
// endpoint and overwrites the in-memory credentials. Two concurrent refreshes
// on one connection are tolerated; the last write wins. A connection:updated
// event is emitted so the new token gets persisted; a failed exchange emits
// connection:error before the driver gives up on the connection.
func refreshOAuthToken(ctx context.Context, client *http.Client, conn *entity.Connection, bus dispatcher.Dispatcher, logger *zap.Logger) error {
	if err := exchangeRefreshToken(ctx, client, conn, bus, logger); err != nil {
		if bus != nil {
			bus.DispatchAsync(ctx, event.NewConnectionEvent(event.TypeConnectionError, conn.ID, map[string]interface{}{
				"provider": string(conn.Provider),
				"error":    err.Error(),
			}))
		}
		return err
	}
	return nil
}

func exchangeRefreshToken(ctx context.Context, client *http.Client, conn *entity.Connection, bus dispatcher.Dispatcher, logger *zap.Logger) error {
	creds := conn.OAuth
	if creds == nil || creds.RefreshToken == "" || creds.TokenURL == "" {
		return fmt.Errorf("connection %s has no refresh credentials", conn.ID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", creds.ClientID)
	if creds.ClientSecret != "" {
		form.Set("client_secret", creds.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}

	var tr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("token endpoint returned no access token")
	}

	creds.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		creds.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		// Renew slightly early to absorb clock skew.
		creds.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn-10) * time.Second)
	}

	logger.Info("Refreshed OAuth token",
		zap.String("connection_id", conn.ID),
		zap.String("provider", string(conn.Provider)))

	if bus != nil {
		bus.DispatchAsync(ctx, event.NewConnectionEvent(event.TypeConnectionUpdated, conn.ID, map[string]interface{}{
			"provider": string(conn.Provider),
		}))
	}
	return nil
}
