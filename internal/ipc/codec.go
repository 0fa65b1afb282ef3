package ipc

import (
	"strconv"
	"strings"

	"github.com/rslive/gateway/internal/faults"
)

// Delim separates fields inside a frame. Non-blob string fields must not
// contain it; that is the sender's responsibility.
const Delim = "|"

// EncodeRequest builds `<corr>|<type>|<arg1>|...` after validating the args
// against the schema.
func EncodeRequest(corrID string, t MessageType, args []string) (string, error) {
	spec, ok := Schema[t]
	if !ok {
		return "", faults.Newf(faults.InternalZMQDecodeFailed, "unknown message type %q", t)
	}
	if len(args) != len(spec.Args) {
		return "", faults.Newf(faults.InternalZMQDecodeFailed,
			"%s expects %d args, got %d", t, len(spec.Args), len(args))
	}
	for i, f := range spec.Args {
		if f.Type == FieldNumber {
			if _, err := strconv.ParseInt(args[i], 10, 64); err != nil {
				return "", faults.Newf(faults.InternalZMQDecodeFailed,
					"%s arg %s is not a number: %q", t, f.Name, args[i])
			}
		}
	}
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, corrID, string(t))
	parts = append(parts, args...)
	return strings.Join(parts, Delim), nil
}

// EncodeResponse builds `<corr>|<error>|<field1>|...`. An empty error string
// signals success. Fields may accompany a non-empty error (the datastore
// returns partial fields with business errors).
func EncodeResponse(corrID, wireErr string, fields []string) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, corrID, wireErr)
	parts = append(parts, fields...)
	return strings.Join(parts, Delim)
}

// DecodeRequest splits a request frame into correlation id, spec and args.
func DecodeRequest(frame string) (string, Spec, []string, error) {
	corr, rest, ok := strings.Cut(frame, Delim)
	if !ok || corr == "" {
		return "", Spec{}, nil, faults.New(faults.InternalZMQDecodeFailed, "request frame has no correlation id")
	}
	typ, rest, _ := cutOrAll(rest)
	spec, ok := Schema[MessageType(typ)]
	if !ok {
		return corr, Spec{}, nil, faults.Newf(faults.InternalZMQDecodeFailed, "unknown message type %q", typ)
	}
	args, err := decodeFields(rest, spec.Args, spec.ArgBlob)
	if err != nil {
		return corr, spec, nil, err
	}
	return corr, spec, args, nil
}

// PeelCorrelationID splits a response frame into correlation id and tail.
func PeelCorrelationID(frame string) (string, string, error) {
	corr, rest, ok := strings.Cut(frame, Delim)
	if !ok || corr == "" {
		return "", "", faults.New(faults.InternalZMQDecodeFailed, "response frame has no correlation id")
	}
	return corr, rest, nil
}

// DecodeResponseTail decodes everything after the correlation id of a
// response frame. On a non-empty error string the remaining fields are
// returned raw, without schema validation.
func DecodeResponseTail(tail string, spec Spec) (wireErr string, fields []string, err error) {
	wireErr, rest, _ := cutOrAll(tail)
	if wireErr != "" {
		if rest == "" {
			return wireErr, nil, nil
		}
		return wireErr, strings.Split(rest, Delim), nil
	}
	fields, err = decodeFields(rest, spec.Resp, spec.RespBlob)
	if err != nil {
		return "", nil, faults.Wrap(faults.InternalZMQInvalidResponse, err)
	}
	return "", fields, nil
}

// decodeFields splits raw into exactly len(fields) values. When one field is
// an opaque blob, fields before it are taken from the front of the frame and
// fields after it from the back, so extra delimiters inside the blob (its
// middle) are recombined rather than rejected.
func decodeFields(raw string, fields []Field, blob int) ([]string, error) {
	if len(fields) == 0 {
		if raw != "" {
			return nil, faults.New(faults.InternalZMQDecodeFailed, "unexpected trailing fields")
		}
		return nil, nil
	}
	parts := strings.Split(raw, Delim)
	if len(parts) < len(fields) {
		return nil, faults.Newf(faults.InternalZMQDecodeFailed,
			"frame has %d fields, schema demands %d", len(parts), len(fields))
	}
	var out []string
	if blob < 0 {
		if len(parts) > len(fields) {
			return nil, faults.Newf(faults.InternalZMQDecodeFailed,
				"frame has %d fields, schema demands %d", len(parts), len(fields))
		}
		out = parts
	} else {
		after := len(fields) - blob - 1
		out = make([]string, len(fields))
		copy(out, parts[:blob])
		out[blob] = strings.Join(parts[blob:len(parts)-after], Delim)
		copy(out[blob+1:], parts[len(parts)-after:])
	}
	for i, f := range fields {
		if f.Type == FieldNumber {
			if _, err := strconv.ParseInt(out[i], 10, 64); err != nil {
				return nil, faults.Newf(faults.InternalZMQDecodeFailed,
					"field %s is not a number: %q", f.Name, out[i])
			}
		}
	}
	return out, nil
}

// cutOrAll is strings.Cut that treats a delimiter-free string as the head.
func cutOrAll(s string) (head, rest string, found bool) {
	return strings.Cut(s, Delim)
}
