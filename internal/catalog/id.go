package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OfflinePrefix marks identifiers generated on the client before the server acknowledged the record.
const OfflinePrefix = "off-"

const maxIdentifierLength = 190

// ErrInvalidID indicates that an identifier is empty, malformed or exceeds storage bounds.
var ErrInvalidID = errors.New("catalog: invalid id")

// ID identifies a record either by its server-assigned positive integer or by
// a client-generated offline identifier. The zero value means "no identifier".
type ID struct {
	server  int64
	offline string
}

// NewServerID validates a server identifier.
func NewServerID(value int64) (ID, error) {
	if value <= 0 {
		return ID{}, fmt.Errorf("%w: server id must be positive, got %d", ErrInvalidID, value)
	}
	return ID{server: value}, nil
}

// NewOfflineID validates an offline identifier.
func NewOfflineID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if !strings.HasPrefix(trimmed, OfflinePrefix) || len(trimmed) == len(OfflinePrefix) {
		return ID{}, fmt.Errorf("%w: offline id %q must start with %q", ErrInvalidID, rawInput, OfflinePrefix)
	}
	if len(trimmed) > maxIdentifierLength {
		return ID{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return ID{offline: trimmed}, nil
}

// ParseID accepts either a decimal server id or an offline id.
func ParseID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.HasPrefix(trimmed, OfflinePrefix) {
		return NewOfflineID(trimmed)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, rawInput)
	}
	return NewServerID(value)
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id.server == 0 && id.offline == ""
}

// IsOffline reports whether the record has not reached the server yet.
func (id ID) IsOffline() bool {
	return id.offline != ""
}

// IsServer reports whether the identifier was assigned by the server.
func (id ID) IsServer() bool {
	return id.server > 0
}

// Server returns the numeric server identifier, or zero for offline ids.
func (id ID) Server() int64 {
	return id.server
}

// String renders the identifier in its path form.
func (id ID) String() string {
	switch {
	case id.offline != "":
		return id.offline
	case id.server > 0:
		return strconv.FormatInt(id.server, 10)
	default:
		return ""
	}
}

// MarshalJSON encodes server ids as numbers, offline ids as strings and the zero id as null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.offline != "":
		return json.Marshal(id.offline)
	case id.server > 0:
		return []byte(strconv.FormatInt(id.server, 10)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, a positive number, a numeric string or an offline id string.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ID{}
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		if raw == "" {
			*id = ID{}
			return nil
		}
		parsed, err := ParseID(raw)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var number int64
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	parsed, err := NewServerID(number)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
