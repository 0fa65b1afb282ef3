package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/storage/sqlite"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   int
	gotConv string
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, conversation string, targetChars int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotConv = conversation
	return f.summary, f.err
}

func newTestService(t *testing.T, summ *fakeSummarizer) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), "test-key", logger.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if summ == nil {
		return NewService(store, nil, logger.Discard()), store
	}
	return NewService(store, summ, logger.Discard()), store
}

func seedAccount(t *testing.T, store *sqlite.Store, tokens int64) (accountID, plainKey string) {
	t.Helper()
	ctx := context.Background()
	acc, err := store.CreateAccount(ctx, sqlite.CreateAccountParams{
		Email:          "svc@example.com",
		TokenRemaining: &tokens,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, plain, err := store.CreateAPIKey(ctx, acc.ID, "test", nil)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return acc.ID, plain
}

func TestValidateAndLoadInvalidKey(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.ValidateAndLoad(context.Background(), "rslive_v1_bogus", "S1")
	code, ok := faults.IsWire(err)
	if !ok || code != faults.WireInvalidAuth {
		t.Fatalf("err = %v, want wire %s", err, faults.WireInvalidAuth)
	}

	// The handler shape for an auth failure: empty account, empty data, 0.
	fields, _ := svc.handleValidateAndLoad(context.Background(), []string{"rslive_v1_bogus", "S1"})
	if fields[0] != "" || fields[1] != "" || fields[2] != "0" {
		t.Errorf("fields = %v", fields)
	}
}

func TestValidateAndLoadNoCredits(t *testing.T) {
	svc, store := newTestService(t, nil)
	accountID, plain := seedAccount(t, store, 0)

	res, err := svc.ValidateAndLoad(context.Background(), plain, "S1")
	code, ok := faults.IsWire(err)
	if !ok || code != faults.WireNoCredits {
		t.Fatalf("err = %v, want wire %s", err, faults.WireNoCredits)
	}
	if res.AccountID != accountID || res.Credits != 0 {
		t.Errorf("res = %+v, want account id and 0 credits carried", res)
	}

	// The account id and balance still travel with the business error.
	fields, _ := svc.handleValidateAndLoad(context.Background(), []string{plain, "S1"})
	if fields[0] != accountID || fields[2] != "0" {
		t.Errorf("fields = %v", fields)
	}
}

func TestValidateAndLoadNoSessionRows(t *testing.T) {
	svc, store := newTestService(t, nil)
	accountID, plain := seedAccount(t, store, 1000)

	res, err := svc.ValidateAndLoad(context.Background(), plain, "S1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.AccountID != accountID || res.Credits != 1000 || res.SessionData != "" {
		t.Errorf("res = %+v, want empty session data with credits", res)
	}
}

func TestValidateAndLoadInjectsConversation(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	session := `{"type":"session.update","session":{"voice":"verse","instructions":"Be brief."}}`
	conv := "user:hi \"there\"\nagent:ok\tsure\\done"
	if err := store.UpsertSession(ctx, accountID, "S1", session); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.AppendConversation(ctx, accountID, "S1", conv); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := svc.ValidateAndLoad(ctx, plain, "S1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// The splice must leave valid JSON with the conversation appended after
	// the original instructions, escapes round-tripping exactly.
	var envelope struct {
		Type    string `json:"type"`
		Session struct {
			Voice        string `json:"voice"`
			Instructions string `json:"instructions"`
		} `json:"session"`
	}
	if err := json.Unmarshal([]byte(res.SessionData), &envelope); err != nil {
		t.Fatalf("spliced payload is not valid JSON: %v\n%s", err, res.SessionData)
	}
	want := "Be brief." + injectionPrefix + conv
	if envelope.Session.Instructions != want {
		t.Errorf("instructions = %q, want %q", envelope.Session.Instructions, want)
	}
	if envelope.Session.Voice != "verse" {
		t.Errorf("sibling field lost: %+v", envelope.Session)
	}
}

func TestValidateAndLoadSessionOnly(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	session := `{"type":"session.update","session":{"instructions":"Be brief."}}`
	store.UpsertSession(ctx, accountID, "S1", session)

	res, err := svc.ValidateAndLoad(ctx, plain, "S1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.SessionData != session {
		t.Errorf("session-only payload altered: %s", res.SessionData)
	}
}

func TestValidateAndLoadSynthesizesSession(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	conv := "user:hi\nagent:hello"
	store.AppendConversation(ctx, accountID, "S1", conv)

	res, err := svc.ValidateAndLoad(ctx, plain, "S1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var envelope struct {
		Type    string `json:"type"`
		Session struct {
			Instructions string `json:"instructions"`
		} `json:"session"`
	}
	if err := json.Unmarshal([]byte(res.SessionData), &envelope); err != nil {
		t.Fatalf("synthetic payload is not valid JSON: %v", err)
	}
	if envelope.Type != "session.update" {
		t.Errorf("type = %q", envelope.Type)
	}
	if envelope.Session.Instructions != injectionPrefix+conv {
		t.Errorf("instructions = %q", envelope.Session.Instructions)
	}
}

func TestOversizeConversationTruncatedAndSummarized(t *testing.T) {
	summ := &fakeSummarizer{summary: "user:recap\nagent:short"}
	svc, store := newTestService(t, summ)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	// 40k chars of 10-char lines; the threshold cut lands mid-line.
	conv := strings.Repeat("user:abcd\n", 4001)[:40003]
	store.UpsertSession(ctx, accountID, "S1", `{"type":"session.update","session":{"instructions":""}}`)
	store.AppendConversation(ctx, accountID, "S1", conv)

	res, err := svc.ValidateAndLoad(ctx, plain, "S1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	i := strings.Index(res.SessionData, strings.Split(truncationMarker, "\n")[0])
	if i < 0 {
		t.Fatal("truncation marker missing from injected payload")
	}
	// After the marker the text must resume at a line boundary.
	after := res.SessionData[i+len(`[...earlier context omitted...]`)+len(`\n`):]
	if !strings.HasPrefix(after, "user:abcd") {
		t.Errorf("partial leading line not dropped: %.30q", after)
	}

	svc.Wait()
	summ.mu.Lock()
	calls, got := summ.calls, summ.gotConv
	summ.mu.Unlock()
	if calls != 1 || got != conv {
		t.Fatalf("summarizer calls=%d, conv match=%v", calls, got == conv)
	}

	// The CONV row now holds the summary.
	load, err := store.LoadSessionByKeyAndID(ctx, plain, "S1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, row := range load.Rows {
		if row.Kind == sqlite.KindConv && row.Data != summ.summary {
			t.Errorf("CONV row = %.40q, want summary", row.Data)
		}
	}
}

func TestSummarizerFailureLeavesConversation(t *testing.T) {
	summ := &fakeSummarizer{err: errors.New("llm down")}
	svc, store := newTestService(t, summ)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	conv := strings.Repeat("user:abcd\n", 4000)
	store.AppendConversation(ctx, accountID, "S1", conv)

	if _, err := svc.ValidateAndLoad(ctx, plain, "S1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	svc.Wait()

	load, _ := store.LoadSessionByKeyAndID(ctx, plain, "S1")
	if len(load.Rows) != 1 || load.Rows[0].Data != conv {
		t.Error("conversation altered after summarizer failure")
	}
}

func TestTruncateRecent(t *testing.T) {
	// Cut lands exactly on a line boundary: nothing extra dropped.
	aligned := strings.Repeat("x", 100) + "\n" + strings.Repeat("user:abcd\n", ThresholdChars/10)
	got := truncateRecent(aligned)
	if !strings.HasPrefix(got, truncationMarker+"user:abcd\n") {
		t.Errorf("aligned cut: %.50q", got)
	}

	// Cut lands mid-line: the fragment before the first newline goes too.
	misaligned := strings.Repeat("y", 100) + "partial-line\nuser:next\n" + strings.Repeat("z", ThresholdChars-20)
	got = truncateRecent(misaligned)
	rest := strings.TrimPrefix(got, truncationMarker)
	if strings.Contains(rest[:20], "partial") || !strings.HasPrefix(rest, "user:next\n") {
		t.Errorf("misaligned cut: %.50q", rest)
	}
}

func TestSaveSessionTransformsUpdatedEcho(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	raw := `{"type":"session.updated","event_id":"ev_1","session":{` +
		`"object":"realtime.session","id":"sess_123","expires_at":1735689600,` +
		`"voice":"verse","temperature":null,` +
		`"turn_detection":{"type":"server_vad","threshold":null}}}`
	if err := svc.SaveSession(ctx, accountID, "S1", raw); err != nil {
		t.Fatalf("save: %v", err)
	}

	load, _ := store.LoadSessionByKeyAndID(ctx, plain, "S1")
	if len(load.Rows) != 1 {
		t.Fatalf("rows = %d", len(load.Rows))
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(load.Rows[0].Data), &envelope); err != nil {
		t.Fatalf("stored payload invalid: %v", err)
	}
	if envelope["type"] != "session.update" {
		t.Errorf("type = %v", envelope["type"])
	}
	sess := envelope["session"].(map[string]any)
	for _, field := range []string{"object", "id", "expires_at", "temperature"} {
		if _, ok := sess[field]; ok {
			t.Errorf("field %q survived the transform", field)
		}
	}
	if sess["voice"] != "verse" {
		t.Errorf("voice lost: %v", sess)
	}
	td := sess["turn_detection"].(map[string]any)
	if _, ok := td["threshold"]; ok {
		t.Error("nested null survived")
	}
	if td["type"] != "server_vad" {
		t.Errorf("nested field lost: %v", td)
	}
}

func TestSaveSessionPassesThroughOtherPayloads(t *testing.T) {
	for _, raw := range []string{
		`{"type":"session.update","session":{"voice":"verse"}}`,
		`not json at all`,
		`{"type":"session.updated"}`,
	} {
		if got := transformSessionEvent(raw); got != raw {
			t.Errorf("payload altered: %q -> %q", raw, got)
		}
	}
}

func TestUpdateUsageDeductsCredits(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	accountID, _ := seedAccount(t, store, 1000)

	if _, err := svc.handleUpdateUsage(ctx, []string{accountID, "S1", "OPENAI", "50", "100"}); err != nil {
		t.Fatalf("update usage: %v", err)
	}
	credits, err := svc.GetCredits(ctx, accountID)
	if err != nil || credits != 850 {
		t.Fatalf("credits = %d, err = %v, want 850", credits, err)
	}
}

func TestAppendConversationHandler(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	accountID, plain := seedAccount(t, store, 1000)

	svc.handleAppendConversation(ctx, []string{accountID, "S1", "user:hi"})
	svc.handleAppendConversation(ctx, []string{accountID, "S1", "\nagent:hello"})

	load, _ := store.LoadSessionByKeyAndID(ctx, plain, "S1")
	if len(load.Rows) != 1 || load.Rows[0].Data != "user:hi\nagent:hello" {
		t.Fatalf("rows = %+v", load.Rows)
	}
}
