package gregbot

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// mentionPattern matches user mention tokens, ex: <@1234> or <@!1234>
var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// structToSlogValue converts a struct to a slog.Value group, keyed by
// each field's JSON tag. Fields with a `log` tag are logged as the tag's
// value instead of their own (ex: `log:"[redacted]"`). Empty strings,
// slices, maps and nil pointers are skipped.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			continue
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			skip = fv.IsNil()
		case reflect.Map, reflect.Slice:
			skip = fv.IsNil() || fv.Len() == 0
		case reflect.String:
			skip = fv.Len() == 0
		}
		if skip {
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	var ctxLogger *slog.Logger
	if logger == nil {
		ctxLogger = slog.Default()
	} else {
		ctxLogger = logger
	}
	return context.WithValue(ctx, loggerContextKey, ctxLogger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// contextLoggerOr returns the context's logger, or fallback if the
// context doesn't carry one
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	return fallback
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// shortenString reduces s to at most limit characters, first by collapsing
// double newlines, then by cutting it and appending a marker.
func shortenString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	suffix := "\n... (truncated)"
	suffixLen := utf8.RuneCountInString(suffix)
	if limit-suffixLen <= 0 {
		return truncate(s, limit)
	}
	return fmt.Sprintf("%s%s", truncate(s, limit-suffixLen), suffix)
}

// parseMention returns the user ID from a single mention token. Bare
// numeric IDs are accepted too.
func parseMention(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if m := mentionPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return m[1], true
	}
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return s, true
	}
	return "", false
}

// replaceMentions replaces each user mention token in s with the name
// returned by lookup. Tokens lookup can't resolve are left as-is.
func replaceMentions(s string, lookup func(userID string) (string, bool)) string {
	return mentionPattern.ReplaceAllStringFunc(
		s, func(token string) string {
			m := mentionPattern.FindStringSubmatch(token)
			if name, ok := lookup(m[1]); ok {
				return name
			}
			return token
		},
	)
}

// splitArgs splits s on whitespace into at most n parts, the last part
// holding the remainder of s as-is
func splitArgs(s string, n int) []string {
	var parts []string
	s = strings.TrimSpace(s)
	for len(parts) < n-1 && s != "" {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i == -1 {
			break
		}
		parts = append(parts, s[:i])
		s = strings.TrimSpace(s[i:])
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
