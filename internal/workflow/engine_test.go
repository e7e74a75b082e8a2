package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/describe"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
	"github.com/exef-pl/faktury/internal/email"
	"github.com/exef-pl/faktury/internal/export"
	"github.com/exef-pl/faktury/internal/inbox"
	"github.com/exef-pl/faktury/internal/ocr"
	"github.com/exef-pl/faktury/internal/store"
	storagesync "github.com/exef-pl/faktury/internal/sync"
)

const invoiceXML = `<?xml version="1.0" encoding="UTF-8"?>
<Faktura xmlns="http://crd.gov.pl/wzor/2023/06/29/12648/">
  <Fa>
    <P_2>FV/2026/03/007</P_2>
    <P_1>2026-03-05</P_1>
    <P_13_1>400,00</P_13_1>
    <P_14_1>92,00</P_14_1>
    <P_15>492,00</P_15>
  </Fa>
  <Podmiot1>
    <NIP>5252248481</NIP>
    <Nazwa>Hurtownia Papiernicza</Nazwa>
  </Podmiot1>
</Faktura>`

type testEnv struct {
	engine *Engine
	inbox  *inbox.Inbox
	store  *store.MemoryStore
	bus    dispatcher.Dispatcher
}

func newTestEnv(t *testing.T, pipelineCfg ocr.Config, describeCfg describe.Config) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	bus := dispatcher.NewDispatcher()
	box := inbox.New(st, bus, zap.NewNop())
	eng := NewEngine(Config{}, Components{
		Inbox:     box,
		Pipeline:  ocr.NewPipeline(pipelineCfg, zap.NewNop()),
		Describe:  describe.NewEngine(describeCfg, st, bus, zap.NewNop()),
		Exporter:  export.NewService(zap.NewNop()),
		Scheduler: storagesync.NewScheduler(storagesync.SchedulerConfig{}, box, bus, zap.NewNop()),
		Mail:      email.NewWatcher(email.WatcherConfig{}, box, zap.NewNop()),
		Store:     st,
		Bus:       bus,
	}, zap.NewNop())
	return &testEnv{engine: eng, inbox: box, store: st, bus: bus}
}

func addXMLInvoice(t *testing.T, env *testEnv) *entity.Invoice {
	t.Helper()
	inv, err := env.inbox.AddInvoice(context.Background(), entity.SourceKSeF, []byte(invoiceXML), inbox.Metadata{
		FileName:  "faktura.xml",
		FileType:  "application/xml",
		SourceKey: "ksef:ref-7",
	})
	require.NoError(t, err)
	return inv
}

func TestProcessInvoiceDrivesLifecycle(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{
		Rules: []entity.DescribeRule{{
			Name:       "office-supplies",
			NipPattern: "^5252248481$",
			Category:   "pozostale_wydatki",
			Confidence: 80,
		}},
	})
	inv := addXMLInvoice(t, env)
	require.Equal(t, "pending", inv.Status)

	out, err := env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.NoError(t, err)

	assert.Equal(t, "described", out.Status)
	require.NotNil(t, out.ProcessedAt)
	require.NotNil(t, out.ParsedData)
	assert.Equal(t, "FV/2026/03/007", out.InvoiceNumber)
	assert.Equal(t, "2026-03-05", out.IssueDate)
	assert.Equal(t, "5252248481", out.ContractorNip)
	assert.Equal(t, "Hurtownia Papiernicza", out.ContractorName)
	require.NotNil(t, out.GrossAmount)
	assert.InDelta(t, 492.00, *out.GrossAmount, 0.001)

	require.NotNil(t, out.Suggestion)
	assert.Equal(t, "rule", out.Suggestion.SuggestionSource)
	assert.Equal(t, "pozostale_wydatki", out.Suggestion.Category)
}

func TestProcessInvoiceRejectsWrongStatus(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{})
	inv := addXMLInvoice(t, env)

	_, err := env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.NoError(t, err)

	_, err = env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, inbox.ErrValidation)
}

func TestProcessInvoiceParseFailureIsRetryable(t *testing.T) {
	// External provider with no endpoint configured fails every run.
	env := newTestEnv(t, ocr.Config{Provider: ocr.ProviderExternalAPI}, describe.Config{})
	inv, err := env.inbox.AddInvoice(context.Background(), entity.SourceScanner, []byte("%PDF-1.4 scan"), inbox.Metadata{
		FileName: "scan.pdf",
		FileType: "application/pdf",
	})
	require.NoError(t, err)

	errCh := make(chan *event.Event, 1)
	env.bus.SubscribeNamed(event.TypeOCRError, "test", func(ctx context.Context, evt *event.Event) error {
		select {
		case errCh <- evt:
		default:
		}
		return nil
	})

	_, err = env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.Error(t, err)

	select {
	case evt := <-errCh:
		assert.Equal(t, inv.ID, evt.InvoiceID)
		assert.NotEmpty(t, evt.GetPayloadString("error"))
	case <-time.After(time.Second):
		t.Fatal("no ocr:error event observed")
	}

	stuck, err := env.inbox.GetInvoice(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "ocr", stuck.Status)

	// Swapping in a working pipeline makes the retry succeed from ocr.
	env.engine.ConfigureOcr(ocr.Config{
		Provider: ocr.ProviderExternalAPI,
		External: ocr.ExternalConfig{
			URL:      "mock://ocr",
			MockText: "Faktura VAT FV/9/2026\nNIP 123-456-78-90\nRazem brutto: 246,00 PLN",
		},
	})
	out, err := env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "described", out.Status)
	assert.Equal(t, "external-api", out.ParsedData.Engine)
}

func TestApproveInvoiceAdoptsSuggestionAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{
		Rules: []entity.DescribeRule{{
			Name:        "office-supplies",
			NipPattern:  "^5252248481$",
			Category:    "pozostale_wydatki",
			Description: "Materiały biurowe",
			Confidence:  80,
		}},
	})
	inv := addXMLInvoice(t, env)

	_, err := env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.NoError(t, err)

	mpk := "MPK-100"
	out, err := env.engine.ApproveInvoice(context.Background(), inv.ID, inbox.Update{MPK: &mpk})
	require.NoError(t, err)

	assert.Equal(t, "approved", out.Status)
	require.NotNil(t, out.ApprovedAt)
	assert.Equal(t, "MPK-100", out.MPK)
	// Blank fields fall back to the stored suggestion.
	assert.Equal(t, "pozostale_wydatki", out.Category)
	assert.Equal(t, "Materiały biurowe", out.Description)
}

func TestApproveInvoiceOverridesWinOverSuggestion(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{
		Rules: []entity.DescribeRule{{
			Name:       "office-supplies",
			NipPattern: "^5252248481$",
			Category:   "pozostale_wydatki",
			Confidence: 80,
		}},
	})
	inv := addXMLInvoice(t, env)
	_, err := env.engine.ProcessInvoice(context.Background(), inv.ID)
	require.NoError(t, err)

	category := "zakup_towarow"
	out, err := env.engine.ApproveInvoice(context.Background(), inv.ID, inbox.Update{Category: &category})
	require.NoError(t, err)
	assert.Equal(t, "zakup_towarow", out.Category)
}

func TestRejectInvoiceRecordsReason(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{})
	inv := addXMLInvoice(t, env)

	out, err := env.engine.RejectInvoice(context.Background(), inv.ID, "duplicate of FV/2026/03/006")
	require.NoError(t, err)
	assert.Equal(t, "rejected", out.Status)
	assert.Equal(t, "duplicate of FV/2026/03/006", out.RejectionReason)

	// Terminal state, no way back.
	_, err = env.engine.ApproveInvoice(context.Background(), inv.ID, inbox.Update{})
	require.Error(t, err)
}

func TestExportApprovedRendersOnlyApproved(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{})
	first := addXMLInvoice(t, env)
	_, err := env.engine.ProcessInvoice(context.Background(), first.ID)
	require.NoError(t, err)
	_, err = env.engine.ApproveInvoice(context.Background(), first.ID, inbox.Update{})
	require.NoError(t, err)

	// A second record left pending must not appear in the export.
	_, err = env.inbox.AddInvoice(context.Background(), entity.SourceScanner, []byte("x"), inbox.Metadata{FileName: "p.pdf"})
	require.NoError(t, err)

	res, err := env.engine.ExportApproved(context.Background(), "kpir_csv")
	require.NoError(t, err)
	assert.Contains(t, string(res.Content), "FV/2026/03/007")
	assert.Equal(t, 2, countLines(string(res.Content)))
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func TestAssignOperations(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{})
	inv := addXMLInvoice(t, env)

	out, err := env.engine.AssignInvoiceToProject(context.Background(), inv.ID, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", out.ProjectID)

	out, err = env.engine.AssignInvoiceToExpenseType(context.Background(), inv.ID, "et-2")
	require.NoError(t, err)
	assert.Equal(t, "et-2", out.ExpenseTypeID)

	out, err = env.engine.AssignInvoiceLabels(context.Background(), inv.ID, []string{"b", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, out.LabelIDs)
}

func TestConfigureStorageMergesOAuth(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{})

	env.engine.ConfigureStorage([]*entity.Connection{{
		ID:       "conn-1",
		Provider: entity.ProviderGDrive,
		Enabled:  true,
		FolderID: "folder-a",
		OAuth:    &entity.OAuthCredentials{AccessToken: "tok", RefreshToken: "ref"},
	}})

	// Re-submitting the connection without secrets keeps the tokens.
	env.engine.ConfigureStorage([]*entity.Connection{{
		ID:       "conn-1",
		Provider: entity.ProviderGDrive,
		Enabled:  true,
		FolderID: "folder-b",
	}})

	raw, err := env.store.GetSetting("sync:connections")
	require.NoError(t, err)
	var conns []*entity.Connection
	require.NoError(t, json.Unmarshal(raw, &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "folder-b", conns[0].FolderID)
	require.NotNil(t, conns[0].OAuth)
	assert.Equal(t, "ref", conns[0].OAuth.RefreshToken)
}

func TestPollerStateRoundTrip(t *testing.T) {
	env := newTestEnv(t, ocr.Config{}, describe.Config{})
	env.store.SetSetting("sync:states", json.RawMessage(`[{"connectionId":"conn-1","cursor":"abc"}]`))
	env.store.SetSetting("sync:connections", json.RawMessage(`[{"id":"conn-1","provider":"dropbox","enabled":true}]`))

	require.NoError(t, env.engine.Start(context.Background()))
	defer env.engine.Stop()

	st := env.engine.scheduler.GetState("conn-1", "")
	require.NotNil(t, st)
	assert.Equal(t, "abc", st.Cursor)
}

func TestDebouncedCoalescesBursts(t *testing.T) {
	var calls atomic.Int32
	d := newDebounced(150*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, int32(0), calls.Load())

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Quiet period with no trigger fires nothing further.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncedFlushRunsPendingOnce(t *testing.T) {
	var calls atomic.Int32
	d := newDebounced(time.Hour, func() { calls.Add(1) })

	d.Flush()
	assert.Equal(t, int32(0), calls.Load())

	d.Trigger()
	d.Flush()
	assert.Equal(t, int32(1), calls.Load())

	d.Flush()
	assert.Equal(t, int32(1), calls.Load())
}
