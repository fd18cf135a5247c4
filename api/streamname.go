package api

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformedStreamName is returned when a stream key does not belong to a
// document of the expected prefix.
var ErrMalformedStreamName = errors.New("malformed stream name")

var streamNameRe = regexp.MustCompile(`^(.*):room:(.*):(.*)$`)

// QueryEscape leaves these alone, encodeURIComponent does not. Keys must match
// the ones written by other relay implementations sharing the store.
var componentFixer = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

func encodeComponent(s string) string {
	return componentFixer.Replace(url.QueryEscape(s))
}

// StreamName returns the log stream of a document.
func StreamName(room, docid, prefix string) string {
	return prefix + ":room:" + encodeComponent(room) + ":" + encodeComponent(docid)
}

// WorkerStreamName returns the compaction queue stream.
func WorkerStreamName(prefix string) string {
	return prefix + ":worker"
}

// DecodeStreamName reverses StreamName.
func DecodeStreamName(key, prefix string) (room, docid string, err error) {
	m := streamNameRe.FindStringSubmatch(key)
	if m == nil || m[1] != prefix {
		return "", "", fmt.Errorf("%w: key=%q expected prefix=%q", ErrMalformedStreamName, key, prefix)
	}
	if room, err = url.PathUnescape(m[2]); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedStreamName, err)
	}
	if docid, err = url.PathUnescape(m[3]); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedStreamName, err)
	}
	return room, docid, nil
}
