package streaming

import (
	"encoding/json"
	"strings"

	"github.com/rslive/gateway/internal/ipc"
)

// checkpointFlushThreshold is the accumulated transcript length that triggers
// an APPEND_CONVERSATION send.
const checkpointFlushThreshold = 200

const (
	userDeltaMarker  = `"type":"conversation.item.input_audio_transcription.delta"`
	agentDeltaMarker = `"type":"response.output_audio_transcript.delta"`
	deltaKey         = `"delta":"`
)

const (
	speakerNone  = ""
	speakerUser  = "user"
	speakerAgent = "agent"
)

// TranscriptCheckpointer accumulates speaker-tagged transcript fragments from
// upstream delta events and periodically appends them to the stored
// conversation. Not safe for concurrent use; the orchestrator serializes
// access.
type TranscriptCheckpointer struct {
	accountID string
	sessionID string
	sink      Notifier

	fragments []string
	length    int
	speaker   string
}

func NewTranscriptCheckpointer(accountID, sessionID string, sink Notifier) *TranscriptCheckpointer {
	return &TranscriptCheckpointer{accountID: accountID, sessionID: sessionID, sink: sink}
}

// Ingest extracts the transcript delta from a frame, if it carries one, and
// tags it with the speaker. A speaker change starts a new line.
func (c *TranscriptCheckpointer) Ingest(raw string) {
	var speaker string
	switch {
	case strings.Contains(raw, userDeltaMarker):
		speaker = speakerUser
	case strings.Contains(raw, agentDeltaMarker):
		speaker = speakerAgent
	default:
		return
	}
	delta, ok := extractDelta(raw)
	if !ok {
		return
	}

	if speaker != c.speaker {
		if len(c.fragments) == 0 {
			c.fragments = append(c.fragments, speaker+":"+delta)
		} else {
			c.fragments = append(c.fragments, "\n"+speaker+":"+delta)
		}
		c.speaker = speaker
	} else {
		c.fragments = append(c.fragments, delta)
	}
	c.length += len(delta)

	if c.length >= checkpointFlushThreshold {
		c.Flush()
	}
}

// Flush snapshots the fragments into one blob and fires it at the datastore.
// State resets before the send: a re-entrant flush during the send must start
// from empty state.
func (c *TranscriptCheckpointer) Flush() {
	if len(c.fragments) == 0 {
		return
	}
	snapshot := strings.Join(c.fragments, "")
	c.fragments = nil
	c.length = 0
	c.speaker = speakerNone
	c.sink.Notify(ipc.TypeAppendConversation, c.accountID, c.sessionID, snapshot)
}

// extractDelta pulls the delta string value out of the raw frame by bounded
// substring search, decoding its JSON escapes.
func extractDelta(raw string) (string, bool) {
	i := strings.Index(raw, deltaKey)
	if i < 0 {
		return "", false
	}
	start := i + len(deltaKey)
	j := start
	for j < len(raw) {
		switch raw[j] {
		case '\\':
			j += 2
			continue
		case '"':
			var s string
			if err := json.Unmarshal([]byte(raw[start-1:j+1]), &s); err != nil {
				return "", false
			}
			return s, true
		}
		j++
	}
	return "", false
}
