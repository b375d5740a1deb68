package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Record is the document-store representation of a State.
type Record = map[string]any

// Record keys.
const (
	KeyAgentID           = "agent_id"
	KeyAgentType         = "agent_type"
	KeyStatus            = "status"
	KeyPerformanceScore  = "performance_score"
	KeyCreatedAt         = "created_at"
	KeyLastHeartbeat     = "last_heartbeat"
	KeyConfigurationHash = "configuration_hash"
	KeyMemoryUsageMB     = "memory_usage_mb"
	KeyErrorCount        = "error_count"
	KeySuccessCount      = "success_count"
)

// naive ISO-8601 layouts without a UTC offset; read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodeError reports a stored record that cannot be turned back into a State.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "decode agent state: " + e.Err.Error()
	}
	return fmt.Sprintf("decode agent state: field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

var errMissing = errors.New("required key is missing")

// maxExactInt is the largest integer a float64 document number holds exactly.
const maxExactInt = 1 << 53

// ToRecord returns the document-store representation of s. Timestamps become
// RFC 3339 strings with nanosecond precision; everything else passes through.
func (s State) ToRecord() Record {
	return Record{
		KeyAgentID:           s.AgentID,
		KeyAgentType:         s.AgentType,
		KeyStatus:            string(s.Status),
		KeyPerformanceScore:  s.PerformanceScore,
		KeyCreatedAt:         s.CreatedAt.UTC().Format(time.RFC3339Nano),
		KeyLastHeartbeat:     s.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		KeyConfigurationHash: s.ConfigurationHash,
		KeyMemoryUsageMB:     s.MemoryUsageMB,
		KeyErrorCount:        s.ErrorCount,
		KeySuccessCount:      s.SuccessCount,
	}
}

// FromRecord is the inverse of ToRecord. Missing required keys, malformed
// timestamps, mistyped values and invariant violations all yield *DecodeError.
func FromRecord(rec Record) (State, error) {
	var (
		s   State
		err error
	)

	if s.AgentID, err = stringField(rec, KeyAgentID); err != nil {
		return State{}, err
	}
	if s.AgentType, err = stringField(rec, KeyAgentType); err != nil {
		return State{}, err
	}
	status, err := stringField(rec, KeyStatus)
	if err != nil {
		return State{}, err
	}
	s.Status = Status(status)
	if s.PerformanceScore, err = floatField(rec, KeyPerformanceScore); err != nil {
		return State{}, err
	}
	if s.CreatedAt, err = timeField(rec, KeyCreatedAt); err != nil {
		return State{}, err
	}
	if s.LastHeartbeat, err = timeField(rec, KeyLastHeartbeat); err != nil {
		return State{}, err
	}
	if s.ConfigurationHash, err = stringField(rec, KeyConfigurationHash); err != nil {
		return State{}, err
	}
	if s.MemoryUsageMB, err = floatField(rec, KeyMemoryUsageMB); err != nil {
		return State{}, err
	}
	if s.ErrorCount, err = optionalIntField(rec, KeyErrorCount); err != nil {
		return State{}, err
	}
	if s.SuccessCount, err = optionalIntField(rec, KeySuccessCount); err != nil {
		return State{}, err
	}

	if err := s.Validate(); err != nil {
		return State{}, &DecodeError{Err: err}
	}
	return s, nil
}

// MarshalRecord encodes s as the JSON document stored by byte-oriented stores.
func MarshalRecord(s State) ([]byte, error) {
	data, err := json.Marshal(s.ToRecord())
	if err != nil {
		return nil, fmt.Errorf("marshal agent state %s: %w", s.AgentID, err)
	}
	return data, nil
}

// UnmarshalRecord decodes a JSON document produced by MarshalRecord.
func UnmarshalRecord(data []byte) (State, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return State{}, &DecodeError{Err: err}
	}
	if rec == nil {
		return State{}, &DecodeError{Err: errors.New("document is null")}
	}
	return FromRecord(rec)
}

func lookup(rec Record, key string) (any, error) {
	v, ok := rec[key]
	if !ok || v == nil {
		return nil, &DecodeError{Field: key, Err: errMissing}
	}
	return v, nil
}

func stringField(rec Record, key string) (string, error) {
	v, err := lookup(rec, key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", &DecodeError{Field: key, Err: fmt.Errorf("expected string, got %T", v)}
	}
	return str, nil
}

func floatField(rec Record, key string) (float64, error) {
	v, err := lookup(rec, key)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, &DecodeError{Field: key, Err: err}
	}
	return f, nil
}

func optionalIntField(rec Record, key string) (int, error) {
	v, ok := rec[key]
	if !ok || v == nil {
		return 0, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, &DecodeError{Field: key, Err: err}
	}
	return n, nil
}

func timeField(rec Record, key string) (time.Time, error) {
	raw, err := stringField(rec, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseISO8601(raw)
	if err != nil {
		return time.Time{}, &DecodeError{Field: key, Err: err}
	}
	return t, nil
}

// parseISO8601 accepts RFC 3339 timestamps and naive timestamps without an
// offset, which are read as UTC.
func parseISO8601(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return normalizeTime(t), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return normalizeTime(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", raw)
}

// toFloat accepts json.Number and every Go numeric kind.
func toFloat(v any) (float64, error) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", n, err)
		}
		return f, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// toInt is toFloat for counters. Integer kinds and integer literals are
// converted without passing through float64; floats must be integral.
func toInt(v any) (int, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return fitInt(i, v)
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", n, err)
		}
		return intFromFloat(f, v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fitInt(rv.Int(), v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt {
			return 0, fmt.Errorf("integer %v out of range", v)
		}
		return int(u), nil
	case reflect.Float32, reflect.Float64:
		return intFromFloat(rv.Float(), v)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func fitInt(i int64, v any) (int, error) {
	if int64(int(i)) != i {
		return 0, fmt.Errorf("integer %v out of range", v)
	}
	return int(i), nil
}

func intFromFloat(f float64, v any) (int, error) {
	if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
		return 0, fmt.Errorf("expected integer, got %v", v)
	}
	return int(f), nil
}
