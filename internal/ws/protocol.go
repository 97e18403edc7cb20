package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EventType is the "event" discriminator carried by every message.
type EventType string

const (
	// Monitor -> IDE
	EventGdbStub  EventType = "gdb_stub"
	EventCoredump EventType = "coredump"

	// IDE -> monitor
	EventDebugFinished EventType = "debug_finished"
)

const (
	fieldEvent = "event"
	fieldProg  = "prog"
	fieldPort  = "port"
	fieldFile  = "file"
)

// detailFields maps each recognized crash event to the field it requires.
var detailFields = map[EventType]string{
	EventGdbStub:  fieldPort,
	EventCoredump: fieldFile,
}

// Notification is the result of parsing an inbound message: either
// Recognized or Unrecognized.
type Notification interface {
	isNotification()
}

// Recognized is a crash event the IDE must acknowledge. Prog and Detail keep
// the raw JSON text of their fields; only their presence is checked.
type Recognized struct {
	Event  EventType
	Prog   json.RawMessage
	Detail json.RawMessage
}

// Unrecognized is a well-formed JSON object that does not match either
// crash event shape.
type Unrecognized struct {
	Fields map[string]json.RawMessage
	Reason string
}

func (Recognized) isNotification()   {}
func (Unrecognized) isNotification() {}

// DetailField is the name of the tag-specific field ("port" or "file").
func (r Recognized) DetailField() string {
	return detailFields[r.Event]
}

// ParseEvent decodes a text frame. The error is non-nil only when data is not
// a JSON object.
func ParseEvent(data []byte) (Notification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("malformed event: %s is not a JSON object", bytes.TrimSpace(data))
	}

	rawEvent, ok := fields[fieldEvent]
	if !ok {
		return Unrecognized{Fields: fields, Reason: "missing event"}, nil
	}
	var event string
	if err := json.Unmarshal(rawEvent, &event); err != nil || event == "" {
		return Unrecognized{Fields: fields, Reason: "event is not a non-empty string"}, nil
	}

	prog, ok := fields[fieldProg]
	if !ok {
		return Unrecognized{Fields: fields, Reason: "missing prog"}, nil
	}

	detailField, known := detailFields[EventType(event)]
	if !known {
		return Unrecognized{Fields: fields, Reason: fmt.Sprintf("unknown event %q", event)}, nil
	}
	detail, ok := fields[detailField]
	if !ok {
		return Unrecognized{Fields: fields, Reason: fmt.Sprintf("%s event without %s", event, detailField)}, nil
	}

	return Recognized{Event: EventType(event), Prog: prog, Detail: detail}, nil
}

// DebugFinished is the acknowledgment the IDE sends once debugging is over.
func DebugFinished() map[string]any {
	return map[string]any{fieldEvent: string(EventDebugFinished)}
}

// NewGdbStubEvent is what a monitor sends when the target halted in its gdb stub.
func NewGdbStubEvent(prog, port string) map[string]any {
	return map[string]any{fieldEvent: string(EventGdbStub), fieldProg: prog, fieldPort: port}
}

// NewCoredumpEvent is what a monitor sends once a core dump file is available.
func NewCoredumpEvent(prog, file string) map[string]any {
	return map[string]any{fieldEvent: string(EventCoredump), fieldProg: prog, fieldFile: file}
}

// IsDebugFinished reports whether data is the IDE acknowledgment.
func IsDebugFinished(data []byte) bool {
	var msg struct {
		Event EventType `json:"event"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.Event == EventDebugFinished
}

// FormatRepr renders a flat message the way the monitor prints it in its
// log, e.g. {'event': 'gdb_stub', 'prog': 'panic.elf', 'port': '/dev/ttyUSB0'}.
// The event key comes first; the rest follow in lexical order.
func FormatRepr(msg map[string]any) string {
	keys := make([]string, 0, len(msg))
	for k := range msg {
		if k != fieldEvent {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := msg[fieldEvent]; ok {
		keys = append([]string{fieldEvent}, keys...)
	}

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(reprValue(k))
		b.WriteString(": ")
		b.WriteString(reprValue(msg[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// reprString quotes s the way Python's repr does: single quotes unless s
// contains a single quote and no double quote.
func reprString(s string) string {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}

	var b strings.Builder
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

func reprValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return reprString(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return string(x)
		}
		return reprValue(decoded)
	case map[string]any:
		return FormatRepr(x)
	default:
		return fmt.Sprint(x)
	}
}
