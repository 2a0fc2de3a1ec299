package gclog

import (
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Keys the logger gives a meaning to. Label keys become Cloud Logging labels
// so entries can be filtered by repository, backend and transaction; any
// other key lands in jsonPayload.
const (
	KeyRepository  = "repository"
	KeyBackend     = "backend"
	KeyTransaction = "tx_id"
	KeyMethod      = "tx_method"
	KeyMode        = "mode"
	KeyOutcome     = "outcome"
	KeyPhase       = "phase"
	KeyComponent   = "component"
	KeyError       = "error"
	KeyLatency     = "latency"

	traceKey   = "trace_id"
	spanKey    = "span_id"
	callerKey  = "caller"
	payloadKey = "payload"
	labelsKey  = "labels"
)

type fieldKind uint8

const (
	fieldPayload fieldKind = iota
	fieldMessage
	fieldTrace
	fieldSpan
	fieldLabel
	fieldLabelMap
	fieldPayloadMap
	fieldError
	fieldDuration
)

var fieldKinds = map[string]fieldKind{
	log.DefaultMessageKey: fieldMessage,
	traceKey:              fieldTrace,
	spanKey:               fieldSpan,
	callerKey:             fieldLabel,
	labelsKey:             fieldLabelMap,
	payloadKey:            fieldPayloadMap,
	KeyRepository:         fieldLabel,
	KeyBackend:            fieldLabel,
	KeyTransaction:        fieldLabel,
	KeyMethod:             fieldLabel,
	KeyMode:               fieldLabel,
	KeyOutcome:            fieldLabel,
	KeyPhase:              fieldLabel,
	KeyComponent:          fieldLabel,
	KeyError:              fieldError,
	KeyLatency:            fieldDuration,
}

func kindOf(key string) fieldKind {
	if k, ok := fieldKinds[key]; ok {
		return k
	}
	return fieldPayload
}

// labelValue renders v for a label; nil and empty values yield "".
func labelValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// payloadValue keeps v JSON friendly: errors and durations become strings.
func payloadValue(v any) any {
	switch t := v.(type) {
	case error:
		return t.Error()
	case time.Duration:
		return formatSeconds(t.Seconds())
	default:
		return v
	}
}

func durationValue(v any) any {
	switch t := v.(type) {
	case time.Duration:
		return formatSeconds(t.Seconds())
	case float64:
		return formatSeconds(t)
	default:
		return payloadValue(v)
	}
}

func formatSeconds(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	return fmt.Sprintf("%.3fs", seconds)
}
