package workflow

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/email"
	"github.com/exef-pl/faktury/internal/ocr"
)

// Settings keys for persisted poller state.
const (
	settingConnections   = "sync:connections"
	settingSyncStates    = "sync:states"
	settingKsefSince     = "ksef:since"
	settingEmailAccounts = "email:accounts"
)

// ConfigureStorage replaces the watched connection set. Replace semantics
// apply to paths and accounts; OAuth credentials are merged so that a config
// update without secrets does not wipe refreshed tokens.
func (e *Engine) ConfigureStorage(conns []*entity.Connection) {
	if e.scheduler == nil {
		return
	}

	e.mu.Lock()
	previous := make(map[string]*entity.Connection, len(e.connections))
	for _, c := range e.connections {
		previous[c.ID] = c
	}
	for _, c := range conns {
		old, ok := previous[c.ID]
		if ok && c.OAuth == nil && old.OAuth != nil {
			creds := *old.OAuth
			c.OAuth = &creds
		}
	}
	e.connections = conns
	e.mu.Unlock()

	e.scheduler.SetConnections(conns)
	e.persistPollerState()
	e.logger.Info("Storage connections configured", zap.Int("count", len(conns)))
}

// ConfigureEmail replaces the polled mailbox set.
func (e *Engine) ConfigureEmail(boxes map[string]email.Mailbox) {
	if e.mail == nil {
		return
	}
	e.mail.SetMailboxes(boxes)
	e.logger.Info("Email accounts configured", zap.Int("count", len(boxes)))
}

// ConfigureEmailAccounts builds provider clients for the given mailbox
// connections, installs them on the watcher and persists the account list.
// Unsupported providers are skipped with a warning.
func (e *Engine) ConfigureEmailAccounts(conns []*entity.Connection) {
	if e.mail == nil {
		return
	}

	boxes := make(map[string]email.Mailbox, len(conns))
	for _, conn := range conns {
		if !conn.Enabled {
			continue
		}
		box, err := email.MailboxFor(conn, e.logger)
		if err != nil {
			e.logger.Warn("Skipping mailbox account",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		boxes[conn.ID] = box
	}
	e.ConfigureEmail(boxes)

	if raw, err := json.Marshal(conns); err == nil {
		if err := e.store.SetSetting(settingEmailAccounts, raw); err != nil {
			e.logger.Error("Failed to persist email accounts", zap.Error(err))
		}
	}
}

// ConfigureOcr swaps the parse pipeline. In-flight runs keep the pipeline
// they started with; the next ProcessInvoice picks up the new one.
func (e *Engine) ConfigureOcr(cfg ocr.Config) {
	pipeline := ocr.NewPipeline(cfg, e.logger)
	e.mu.Lock()
	e.pipeline = pipeline
	e.mu.Unlock()
	e.logger.Info("Parse pipeline configured", zap.String("provider", string(cfg.Provider)))
}

// SetKsefAccessToken installs the session token on the running ingester.
func (e *Engine) SetKsefAccessToken(token string) {
	if e.ksef == nil {
		return
	}
	e.ksef.SetAccessToken(token)
}

// loadPollerState seeds the pollers from persisted settings at startup.
func (e *Engine) loadPollerState() {
	if raw, err := e.store.GetSetting(settingConnections); err == nil && raw != nil {
		var conns []*entity.Connection
		if err := json.Unmarshal(raw, &conns); err != nil {
			e.logger.Warn("Corrupt persisted connections, starting empty", zap.Error(err))
		} else if e.scheduler != nil {
			e.mu.Lock()
			e.connections = conns
			e.mu.Unlock()
			e.scheduler.SetConnections(conns)
		}
	}

	if raw, err := e.store.GetSetting(settingSyncStates); err == nil && raw != nil {
		var states []entity.SyncState
		if err := json.Unmarshal(raw, &states); err != nil {
			e.logger.Warn("Corrupt persisted sync state, starting empty", zap.Error(err))
		} else if e.scheduler != nil {
			for i := range states {
				e.scheduler.SetState(&states[i])
			}
		}
	}

	if raw, err := e.store.GetSetting(settingEmailAccounts); err == nil && raw != nil {
		var conns []*entity.Connection
		if err := json.Unmarshal(raw, &conns); err != nil {
			e.logger.Warn("Corrupt persisted email accounts, starting empty", zap.Error(err))
		} else if e.mail != nil && len(conns) > 0 {
			boxes := make(map[string]email.Mailbox, len(conns))
			for _, conn := range conns {
				if !conn.Enabled {
					continue
				}
				if box, err := email.MailboxFor(conn, e.logger); err == nil {
					boxes[conn.ID] = box
				}
			}
			e.mail.SetMailboxes(boxes)
		}
	}

	if raw, err := e.store.GetSetting(settingKsefSince); err == nil && raw != nil {
		var since string
		if err := json.Unmarshal(raw, &since); err == nil && since != "" && e.ksef != nil {
			e.ksef.SetSince(since)
		}
	}
}

// persistPollerState writes the current cursors and connection set (with any
// refreshed tokens) to the settings store.
func (e *Engine) persistPollerState() {
	if e.scheduler == nil {
		return
	}

	if raw, err := json.Marshal(e.scheduler.States()); err == nil {
		if err := e.store.SetSetting(settingSyncStates, raw); err != nil {
			e.logger.Error("Failed to persist sync state", zap.Error(err))
		}
	}

	e.mu.RLock()
	conns := e.connections
	e.mu.RUnlock()
	if raw, err := json.Marshal(conns); err == nil {
		if err := e.store.SetSetting(settingConnections, raw); err != nil {
			e.logger.Error("Failed to persist connections", zap.Error(err))
		}
	}
}

// saveKsefSince records the ingester's advanced high-water mark.
func (e *Engine) saveKsefSince(since string) {
	if since == "" {
		return
	}
	raw, err := json.Marshal(since)
	if err != nil {
		return
	}
	if err := e.store.SetSetting(settingKsefSince, raw); err != nil {
		e.logger.Error("Failed to persist ingestion watermark", zap.Error(err))
	}
}
