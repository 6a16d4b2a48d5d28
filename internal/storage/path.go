package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildTranscriptArchivePath returns the object key for one archived
// session transcript.
func BuildTranscriptArchivePath(owner, sessionID string, closedAt time.Time) (string, error) {
	if err := validatePathComponent(owner, "owner"); err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}

	ts := closedAt.UTC()
	return path.Join(
		"transcripts",
		owner,
		sessionID,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("transcript-%d.parquet", ts.UnixMilli()),
	), nil
}

// BuildTemplateKey maps a versioned template name such as
// "sql-agent-system/v1" to its object key under prefix.
func BuildTemplateKey(prefix, name string) (string, error) {
	segments := strings.Split(name, "/")
	for _, segment := range segments {
		if err := validatePathComponent(segment, "template name"); err != nil {
			return "", err
		}
	}
	key := path.Join(segments...) + ".tmpl"
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key, nil
	}
	return path.Join(prefix, key), nil
}

// ValidateObjectKey rejects keys that are empty, absolute or escape their
// prefix.
func ValidateObjectKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("object key is required")
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("invalid object key: %q", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return fmt.Errorf("invalid object key: %q", key)
		}
	}
	return nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
