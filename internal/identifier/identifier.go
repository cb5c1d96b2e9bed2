// Package identifier defines the canonical key space for rate limiting and
// risk scoring subjects. An Identifier names the thing a counter or rule is
// keyed on: an IP, a user, an email, an API key, a session, or a device.
package identifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the category of subject an identifier names.
type Kind string

const (
	KindIP      Kind = "ip"
	KindUser    Kind = "user"
	KindEmail   Kind = "email"
	KindAPIKey  Kind = "api_key"
	KindSession Kind = "session"
	KindDevice  Kind = "device"
)

// Errors
var (
	ErrInvalidKind  = errors.New("identifier: invalid kind")
	ErrEmptyValue   = errors.New("identifier: value must not be empty")
	ErrInvalidValue = errors.New("identifier: malformed value")
)

// ValidKind reports whether k is a recognised identifier kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindIP, KindUser, KindEmail, KindAPIKey, KindSession, KindDevice:
		return true
	}
	return false
}

// Identifier is the immutable subject of a counter or rule. Values are
// normalised (trimmed, lowercased) at construction so the same subject always
// maps to the same counter key.
type Identifier struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// New constructs a validated, normalised identifier.
func New(kind Kind, value string) (Identifier, error) {
	if !ValidKind(kind) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return Identifier{}, ErrEmptyValue
	}
	if strings.ContainsAny(v, "|\x00\n") {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidValue, value)
	}
	return Identifier{Kind: kind, Value: v}, nil
}

// MustNew is New but panics on error. For tests and literals.
func MustNew(kind Kind, value string) Identifier {
	id, err := New(kind, value)
	if err != nil {
		panic(err)
	}
	return id
}

// Key renders the canonical "kind:value" form used as a counter key prefix.
func (id Identifier) Key() string {
	return string(id.Kind) + ":" + id.Value
}

// IsZero reports whether the identifier is the zero value.
func (id Identifier) IsZero() bool {
	return id.Kind == "" && id.Value == ""
}

func (id Identifier) String() string { return id.Key() }

// Window is a fixed-size time bucket over which counts and sums aggregate.
type Window struct {
	Size time.Duration
}

// Common windows used by velocity rules and tier caps.
var (
	WindowMinute = Window{Size: time.Minute}
	WindowHour   = Window{Size: time.Hour}
	WindowDay    = Window{Size: 24 * time.Hour}
	WindowWeek   = Window{Size: 7 * 24 * time.Hour}
)

// BucketStart returns the start of the bucket containing ts:
// floor(unix / size) * size, in UTC.
func (w Window) BucketStart(ts time.Time) time.Time {
	size := int64(w.Size / time.Second)
	if size <= 0 {
		return ts.UTC()
	}
	start := (ts.Unix() / size) * size
	return time.Unix(start, 0).UTC()
}

// BucketEnd returns the first instant after the bucket containing ts.
func (w Window) BucketEnd(ts time.Time) time.Time {
	return w.BucketStart(ts).Add(w.Size)
}

// Contains reports whether ts falls in the same bucket as ref.
func (w Window) Contains(ref, ts time.Time) bool {
	return w.BucketStart(ref).Equal(w.BucketStart(ts))
}

// Seconds returns the window size in whole seconds.
func (w Window) Seconds() int64 {
	return int64(w.Size / time.Second)
}

func (w Window) String() string { return w.Size.String() }

// CounterKey renders the full "kind:value|action|windowStart" bucket key for
// an identifier, action, and the bucket containing ts.
func CounterKey(id Identifier, action string, w Window, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", id.Key(), action, w.BucketStart(ts).Unix())
}
