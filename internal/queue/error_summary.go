package queue

import (
	"strings"
	"unicode/utf8"
)

const maxResultLen = 1024

// FailureResult renders execErr as the stored result of a failed task.
func FailureResult(execErr error) string {
	msg := "unknown error"
	if execErr != nil {
		if s := strings.TrimSpace(execErr.Error()); s != "" {
			msg = s
		}
	}
	return truncateString("error: "+msg, maxResultLen)
}

// truncateString cuts value to at most maxLen bytes without splitting a rune.
func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
