package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/redlytic/analyzer-bot/internal/ledger"
	"github.com/redlytic/analyzer-bot/internal/messages"
	"github.com/redlytic/analyzer-bot/internal/payments"
	"github.com/redlytic/analyzer-bot/store"
	"github.com/redlytic/analyzer-bot/types"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	s := store.NewMemoryStore()
	svc := ledger.NewService(s, nil, 10, 30)
	return NewHandlers(s, svc, payments.NewProcessor(s, svc), nil, 10, "")
}

func noopRunner() types.Runner {
	return types.RunnerFunc(func(_ context.Context, _ int64, _ string) (string, error) {
		return "ok", nil
	})
}

func TestHelpListsOnlyRegisteredRunners(t *testing.T) {
	h := newTestHandlers(t)
	h.RegisterRunner("niche", noopRunner())
	h.RegisterRunner("analyze", noopRunner())

	help := messages.Help(h.meteredCommands())
	if !strings.Contains(help, "/analyze") || !strings.Contains(help, "/niche") {
		t.Errorf("Registered commands missing from help:\n%s", help)
	}
	if strings.Contains(help, "/compare") {
		t.Errorf("Help advertises an unregistered command:\n%s", help)
	}
}

func TestHelpWithoutRunnersSkipsAnalysisSection(t *testing.T) {
	h := newTestHandlers(t)

	help := messages.Help(h.meteredCommands())
	if strings.Contains(help, "Analysis") {
		t.Errorf("Help shows an empty analysis section:\n%s", help)
	}
	if !strings.Contains(help, "/balance") {
		t.Errorf("Ledger commands missing from help:\n%s", help)
	}
}

func TestMeteredCommandsSorted(t *testing.T) {
	h := newTestHandlers(t)
	for _, cmd := range []string{"search", "analyze", "compare"} {
		h.RegisterRunner(cmd, noopRunner())
	}

	got := h.meteredCommands()
	want := []string{"analyze", "compare", "search"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}
}

func TestParseInvoicePayload(t *testing.T) {
	id, session, ok := parseInvoicePayload("pkg:3:cs_abc")
	if !ok || id != 3 || session != "cs_abc" {
		t.Errorf("Unexpected parse result: id=%d session=%q ok=%v", id, session, ok)
	}

	for _, bad := range []string{"", "pkg:", "pkg:x:cs_1", "pkg:3:", "sub_unlimited"} {
		if _, _, ok := parseInvoicePayload(bad); ok {
			t.Errorf("Payload %q accepted", bad)
		}
	}
}
