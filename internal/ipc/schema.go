// Package ipc implements the framed string protocol between the gateway and
// the datastore: a typed schema, the pipe-delimited codec, the gateway-side
// broker (correlated request/response plus a fire-and-forget lane) and the
// datastore-side listener. Transport is a ZeroMQ PAIR socket over ipc://.
package ipc

// FieldType describes how a frame field is validated.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
)

// Field is one named, typed position in a request or response frame.
type Field struct {
	Name string
	Type FieldType
}

// MessageType identifies a message on the wire.
type MessageType string

const (
	TypeValidateAndLoad    MessageType = "VALIDATE_AND_LOAD"
	TypeGetCredits         MessageType = "GET_CREDITS"
	TypeUpdateUsage        MessageType = "UPDATE_USAGE"
	TypeSaveSession        MessageType = "SAVE_SESSION"
	TypeAppendConversation MessageType = "APPEND_CONVERSATION"
)

// noBlob marks a frame side with no opaque field.
const noBlob = -1

// Spec describes one message type: its lane, the ordered request args and,
// for request/response types, the ordered response fields. At most one field
// per side may be an opaque blob that itself contains the delimiter; its
// index lets the codec recombine the split-apart middle of the frame.
type Spec struct {
	Type     MessageType
	Oneway   bool
	Args     []Field
	ArgBlob  int
	Resp     []Field
	RespBlob int
}

// Schema enumerates every message type on the wire.
var Schema = map[MessageType]Spec{
	TypeValidateAndLoad: {
		Type: TypeValidateAndLoad,
		Args: []Field{
			{Name: "apiKey", Type: FieldString},
			{Name: "sessionId", Type: FieldString},
		},
		ArgBlob: noBlob,
		Resp: []Field{
			{Name: "accountId", Type: FieldString},
			{Name: "sessionData", Type: FieldString},
			{Name: "credits", Type: FieldNumber},
		},
		RespBlob: 1, // sessionData is opaque JSON and may contain the delimiter
	},
	TypeGetCredits: {
		Type: TypeGetCredits,
		Args: []Field{
			{Name: "accountId", Type: FieldString},
		},
		ArgBlob: noBlob,
		Resp: []Field{
			{Name: "credits", Type: FieldNumber},
		},
		RespBlob: noBlob,
	},
	TypeUpdateUsage: {
		Type:   TypeUpdateUsage,
		Oneway: true,
		Args: []Field{
			{Name: "accountId", Type: FieldString},
			{Name: "sessionId", Type: FieldString},
			{Name: "provider", Type: FieldString},
			{Name: "inputTokens", Type: FieldNumber},
			{Name: "outputTokens", Type: FieldNumber},
		},
		ArgBlob:  noBlob,
		RespBlob: noBlob,
	},
	TypeSaveSession: {
		Type:   TypeSaveSession,
		Oneway: true,
		Args: []Field{
			{Name: "accountId", Type: FieldString},
			{Name: "sessionId", Type: FieldString},
			{Name: "sessionData", Type: FieldString},
		},
		ArgBlob:  2,
		RespBlob: noBlob,
	},
	TypeAppendConversation: {
		Type:   TypeAppendConversation,
		Oneway: true,
		Args: []Field{
			{Name: "accountId", Type: FieldString},
			{Name: "sessionId", Type: FieldString},
			{Name: "conversationData", Type: FieldString},
		},
		ArgBlob:  2,
		RespBlob: noBlob,
	},
}
