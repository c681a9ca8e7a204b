package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxOwnerLen bounds the owner identifier.
	MaxOwnerLen = 128
	// MaxQuestionLen bounds a query question.
	MaxQuestionLen = 4096
	// MaxFilenameLen bounds an upload filename.
	MaxFilenameLen = 255
)

// ValidateOwner checks an owner identifier before any store access.
func ValidateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return NewValidationError("owner", owner, ErrInvalidOwner)
	}
	if len(owner) > MaxOwnerLen {
		return NewValidationError("owner", truncate(owner, 32), ErrInvalidOwner)
	}
	if strings.ContainsAny(owner, " \t\n\r") {
		return NewValidationError("owner", owner, ErrInvalidOwner)
	}
	return nil
}

// ValidateQuestion checks a natural-language question.
func ValidateQuestion(question string) error {
	q := strings.TrimSpace(question)
	if q == "" {
		return NewValidationError("question", q, ErrInvalidQuestion)
	}
	if utf8.RuneCountInString(q) > MaxQuestionLen {
		return NewValidationError("question", truncate(q, 64), ErrInvalidQuestion)
	}
	return nil
}

// ValidateUpload checks the owner/filename/format triple of an upload.
// When declaredFormat is empty the format is inferred from the filename.
func ValidateUpload(owner, filename, declaredFormat string) (Format, error) {
	if err := ValidateOwner(owner); err != nil {
		return "", err
	}
	if filename == "" || len(filename) > MaxFilenameLen {
		return "", NewValidationError("filename", truncate(filename, 64), ErrUnsupportedFormat)
	}
	if declaredFormat != "" {
		f, ok := NormalizeFormat(declaredFormat)
		if !ok {
			return "", NewValidationError("format", declaredFormat, ErrUnsupportedFormat)
		}
		return f, nil
	}
	f, ok := FormatFromFilename(filename)
	if !ok {
		return "", NewValidationError("filename", filename, ErrUnsupportedFormat)
	}
	return f, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
