// Package datastore holds the business logic behind the IPC listener:
// authentication, session assembly with conversation injection, usage
// accounting and session persistence.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/storage/sqlite"
	"github.com/rslive/gateway/internal/summarize"
)

// ThresholdChars is the conversation length above which the blob is served
// truncated and a background summarization is scheduled.
const ThresholdChars = 32000

const (
	injectionPrefix  = "\n\nHere is the previous conversation that happened which should be continued now:\n"
	truncationMarker = "[...earlier context omitted...]\n"
	summaryTimeout   = 2 * time.Minute
)

// instructionsPattern locates the instructions string literal in a session
// payload, including escaped characters inside the value.
var instructionsPattern = regexp.MustCompile(`"instructions"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Service implements the datastore-side operations. All store writes arrive
// through the single IPC worker, so the service itself holds no write locks;
// only the summarization dedup map is shared with background goroutines.
type Service struct {
	store *sqlite.Store
	summ  summarize.Summarizer
	log   *logger.Logger

	summarizing sync.Map
	bg          sync.WaitGroup
}

// NewService wires the business logic. summ may be nil, which disables
// summarization; oversize conversations are then only truncated per request.
func NewService(store *sqlite.Store, summ summarize.Summarizer, log *logger.Logger) *Service {
	return &Service{
		store: store,
		summ:  summ,
		log:   log.WithComponent("datastore"),
	}
}

// Wait blocks until in-flight background summarizations finish. Used on
// shutdown.
func (s *Service) Wait() {
	s.bg.Wait()
}

// LoadResult is the successful outcome of ValidateAndLoad. AccountID and
// Credits are also populated alongside a NO_CREDITS business error.
type LoadResult struct {
	AccountID   string
	SessionData string
	Credits     int64
}

// ValidateAndLoad authenticates the API key and assembles the session
// payload the gateway replays to the upstream: the stored session-update
// blob with the accumulated conversation injected into its instructions
// field. Business failures come back as wire errors; anything unexpected
// collapses to the generic internal code rather than leaking detail.
func (s *Service) ValidateAndLoad(ctx context.Context, apiKey, sessionID string) (res LoadResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("validate_and_load panicked", slog.Any("panic", r))
			res = LoadResult{}
			err = faults.NewWire(faults.WireInternalError)
		}
	}()

	load, lerr := s.store.LoadSessionByKeyAndID(ctx, apiKey, sessionID)
	if errors.Is(lerr, sqlite.ErrNotFound) {
		return LoadResult{}, faults.NewWire(faults.WireInvalidAuth)
	}
	if lerr != nil {
		s.log.Error("session load failed", slog.String("error", lerr.Error()))
		return LoadResult{}, faults.NewWire(faults.WireInternalError)
	}

	credits := load.TokenRemaining + load.TopupRemaining
	if credits <= 0 {
		return LoadResult{AccountID: load.AccountID, Credits: credits},
			faults.NewWire(faults.WireNoCredits)
	}

	if terr := s.store.TouchAPIKey(ctx, sqlite.HashKey(apiKey)); terr != nil {
		s.log.Warn("touch api key failed", slog.String("error", terr.Error()))
	}

	var sessionBlob, convBlob string
	for _, row := range load.Rows {
		switch row.Kind {
		case sqlite.KindSession:
			sessionBlob = row.Data
		case sqlite.KindConv:
			convBlob = row.Data
		}
	}

	return LoadResult{
		AccountID:   load.AccountID,
		SessionData: s.assembleSessionData(load.AccountID, sessionID, sessionBlob, convBlob),
		Credits:     credits,
	}, nil
}

// GetCredits returns token_remaining + topup_remaining, zero for unknown
// accounts.
func (s *Service) GetCredits(ctx context.Context, accountID string) (int64, error) {
	credits, err := s.store.GetCredits(ctx, accountID)
	if err != nil {
		s.log.Error("get credits failed",
			slog.String("account_id", accountID), slog.String("error", err.Error()))
		return 0, faults.NewWire(faults.WireInternalError)
	}
	return credits, nil
}

// UpdateUsage records one usage batch and applies the cascading credit
// deduction. Arrives on the fire-and-forget lane; failures log only.
func (s *Service) UpdateUsage(ctx context.Context, accountID, sessionID, provider string, inputTokens, outputTokens int64) error {
	return s.store.InsertUsage(ctx, accountID, sessionID, provider, inputTokens, outputTokens)
}

// SaveSession persists the session payload, converting an upstream
// "session.updated" echo into a replayable "session.update" request first.
func (s *Service) SaveSession(ctx context.Context, accountID, sessionID, rawEvent string) error {
	return s.store.UpsertSession(ctx, accountID, sessionID, transformSessionEvent(rawEvent))
}

// AppendConversation concatenates a transcript checkpoint onto the CONV row.
func (s *Service) AppendConversation(ctx context.Context, accountID, sessionID, blob string) error {
	return s.store.AppendConversation(ctx, accountID, sessionID, blob)
}

func (s *Service) assembleSessionData(accountID, sessionID, sessionBlob, convBlob string) string {
	if sessionBlob == "" && convBlob == "" {
		return ""
	}
	if len(convBlob) > ThresholdChars {
		s.scheduleSummarization(accountID, sessionID, convBlob)
		convBlob = truncateRecent(convBlob)
	}
	if sessionBlob == "" {
		// Conversation without a stored session row: synthesize a minimal
		// session.update carrying only the instructions.
		return `{"type":"session.update","session":{"instructions":"` +
			escapeJSONString(injectionPrefix+convBlob) + `"}}`
	}
	if convBlob == "" {
		return sessionBlob
	}
	return injectInstructions(sessionBlob, injectionPrefix+convBlob, s.log)
}

// injectInstructions splices addition onto the end of the session payload's
// instructions value, inside the closing quote, escaping it as a JSON string
// fragment. The payload is otherwise treated as opaque text.
func injectInstructions(sessionJSON, addition string, log *logger.Logger) string {
	loc := instructionsPattern.FindStringSubmatchIndex(sessionJSON)
	if loc == nil {
		log.Warn("session payload has no instructions field, conversation not injected")
		return sessionJSON
	}
	end := loc[3] // end of the captured value, just before the closing quote
	return sessionJSON[:end] + escapeJSONString(addition) + sessionJSON[end:]
}

var jsonEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func escapeJSONString(s string) string {
	return jsonEscaper.Replace(s)
}

// truncateRecent keeps the final ThresholdChars characters, drops a partial
// leading line left by the cut and prepends the omission marker.
func truncateRecent(conv string) string {
	tail := conv[len(conv)-ThresholdChars:]
	if conv[len(conv)-ThresholdChars-1] != '\n' {
		if i := strings.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
	}
	return truncationMarker + tail
}

// scheduleSummarization starts at most one background summarization per
// (account, session). Best effort: failures log and the raw conversation
// keeps being served truncated.
func (s *Service) scheduleSummarization(accountID, sessionID, conv string) {
	if s.summ == nil {
		return
	}
	key := accountID + "|" + sessionID
	if _, busy := s.summarizing.LoadOrStore(key, struct{}{}); busy {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.summarizing.Delete(key)

		ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
		defer cancel()

		summary, err := s.summ.Summarize(ctx, conv, summarize.DefaultTargetChars)
		if err != nil {
			s.log.Warn("summarization failed",
				slog.String("account_id", accountID),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			return
		}
		if err := s.store.OverwriteConversation(ctx, accountID, sessionID, summary); err != nil {
			s.log.Error("summary overwrite failed",
				slog.String("account_id", accountID),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			return
		}
		s.log.Info("conversation summarized",
			slog.String("account_id", accountID),
			slog.String("session_id", sessionID),
			slog.Int("from_chars", len(conv)),
			slog.Int("to_chars", len(summary)))
	}()
}

// transformSessionEvent rewrites an upstream session.updated echo into the
// session.update form the upstream accepts on replay: server-only fields
// stripped, null-valued fields removed, envelope type swapped. Any other
// payload passes through unchanged.
func transformSessionEvent(raw string) string {
	var event map[string]any
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return raw
	}
	if event["type"] != "session.updated" {
		return raw
	}
	sess, ok := event["session"].(map[string]any)
	if !ok {
		return raw
	}
	delete(sess, "object")
	delete(sess, "id")
	delete(sess, "expires_at")
	stripNulls(sess)

	out, err := json.Marshal(map[string]any{
		"type":    "session.update",
		"session": sess,
	})
	if err != nil {
		return raw
	}
	return string(out)
}

// stripNulls removes null-valued object fields recursively, descending into
// arrays. Array elements themselves are kept even when null.
func stripNulls(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			stripNulls(val)
		}
	case []any:
		for _, val := range t {
			stripNulls(val)
		}
	}
}
