package rows

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for a row's calendar day (YYYYMMDD).
const DateLayout = "20060102"

// MaxHostLength bounds the host field (DNS name limit).
const MaxHostLength = 253

var (
	// ErrEmptyHost is returned when a row has no host
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrBadDate is returned when a row's date is not YYYYMMDD
	ErrBadDate = errors.New("date must be YYYYMMDD")

	// ErrHostTooLong is returned when a host exceeds MaxHostLength
	ErrHostTooLong = fmt.Errorf("host too long (max %d chars)", MaxHostLength)

	// ErrBadKey is returned when a storage key cannot be parsed
	ErrBadKey = errors.New("malformed row key")
)

// Row is one usage aggregate for one site on one calendar day.
type Row struct {
	Host  string  `json:"host"`
	Date  string  `json:"date"`
	Focus uint64  `json:"focus"`
	Time  uint64  `json:"time"`
	Run   *uint64 `json:"run,omitempty"`
}

// Validate checks the row's key fields.
func (r Row) Validate() error {
	if r.Host == "" {
		return ErrEmptyHost
	}
	if len(r.Host) > MaxHostLength {
		return fmt.Errorf("%w: %d chars", ErrHostTooLong, len(r.Host))
	}
	if _, err := ParseDate(r.Date); err != nil {
		return err
	}
	return nil
}

// RunValue returns Run or zero when unset.
func (r Row) RunValue() uint64 {
	if r.Run == nil {
		return 0
	}
	return *r.Run
}

// EnhancedRow is the unit exchanged over the wire: a Row plus the
// provenance needed to merge it.
type EnhancedRow struct {
	Row
	ClientID     string `json:"clientId,omitempty"`
	SessionID    string `json:"sessionId"`
	LastModified int64  `json:"lastModified"`
	Version      uint64 `json:"version"`
	BatchID      string `json:"batchId,omitempty"`
}

// ConflictType distinguishes the two kinds of cross-session merges.
type ConflictType string

const (
	SessionConflict   ConflictType = "session_conflict"
	TimestampConflict ConflictType = "timestamp_conflict"
)

// Overwritten holds the values a newer cross-session write replaced.
type Overwritten struct {
	Focus        uint64 `json:"focus"`
	Time         uint64 `json:"time"`
	LastModified int64  `json:"lastModified"`
}

// Conflict records a cross-session merge. Never persisted as state.
type Conflict struct {
	Type        ConflictType `json:"type"`
	ClientID    string       `json:"clientId"`
	SessionID   string       `json:"sessionId"`
	Rejected    bool         `json:"rejected,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Overwritten *Overwritten `json:"overwritten,omitempty"`
}

// Key identifies a stored record.
type Key struct {
	ClientID string
	Host     string
	Date     string
}

// KeyOf returns the storage key of a row within a client scope.
func KeyOf(clientID string, r Row) Key {
	return Key{ClientID: clientID, Host: r.Host, Date: r.Date}
}

// String renders clientId#host#date.
func (k Key) String() string {
	return k.ClientID + "#" + k.Host + "#" + k.Date
}

// ParseKey is the inverse of Key.String. Hosts never contain '#', so the
// first and last separators delimit the fields.
func ParseKey(s string) (Key, error) {
	first := strings.Index(s, "#")
	last := strings.LastIndex(s, "#")
	if first <= 0 || first == last || last == len(s)-1 {
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	return Key{ClientID: s[:first], Host: s[first+1 : last], Date: s[last+1:]}, nil
}

// ArchiveKey is the key of a row inside a cold archive blob.
func ArchiveKey(host, date string) string {
	return host + "_" + date
}

// ParseDate parses a YYYYMMDD date in UTC.
func ParseDate(date string) (time.Time, error) {
	if len(date) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, date)
	}
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, date)
	}
	return t, nil
}

// FormatDate renders t as YYYYMMDD in t's location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Month returns the YYYY-MM bucket of a YYYYMMDD date.
func Month(date string) string {
	if len(date) < 6 {
		return ""
	}
	return date[:4] + "-" + date[4:6]
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
