package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// CleanJSONBlock removes a markdown code fence wrapped around a JSON payload.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		lang := text[:idx]
		if len(lang) < 20 && !strings.ContainsAny(lang, " {[") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// ParseError is the failed branch of a Result: the model answered, but the
// answer was not the expected document.
type ParseError struct {
	Raw   string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output: %v", e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// SchemaError lists the schema violations found in a document.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "schema violations: " + strings.Join(e.Violations, "; ")
}

// Result holds either a decoded value or the ParseError explaining why the
// raw output could not be decoded.
type Result[T any] struct {
	value T
	err   *ParseError
}

// Ok wraps a successfully decoded value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failed wraps a parse failure.
func Failed[T any](err *ParseError) Result[T] {
	return Result[T]{err: err}
}

// IsOk reports whether the result carries a value.
func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Value returns the decoded value and whether it is present.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.err == nil
}

// Err returns the parse failure, or nil.
func (r Result[T]) Err() *ParseError {
	return r.err
}

// Unwrap returns the value or the parse failure as an error.
func (r Result[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

// DecodeJSON strips code fences from raw, validates it against schema when
// one is given, and unmarshals it into T.
func DecodeJSON[T any](raw, schema string) Result[T] {
	cleaned := CleanJSONBlock(raw)
	if cleaned == "" {
		return Failed[T](&ParseError{Raw: raw, Cause: fmt.Errorf("empty output")})
	}
	if schema != "" {
		result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewStringLoader(cleaned))
		if err != nil {
			return Failed[T](&ParseError{Raw: raw, Cause: fmt.Errorf("validate against schema: %w", err)})
		}
		if !result.Valid() {
			violations := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				field := desc.Field()
				if field == "" {
					field = "(root)"
				}
				violations = append(violations, field+": "+desc.Description())
			}
			return Failed[T](&ParseError{Raw: raw, Cause: &SchemaError{Violations: violations}})
		}
	}
	var v T
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return Failed[T](&ParseError{Raw: raw, Cause: err})
	}
	return Ok(v)
}

// GenerateJSONAs requests a JSON completion and decodes it into T. A
// transport failure is returned as the error; a malformed answer is reported
// through the Result.
func GenerateJSONAs[T any](ctx context.Context, client Client, prompt, schema string, opts ...Option) (Result[T], error) {
	raw, err := client.GenerateJSON(ctx, prompt, opts...)
	if err != nil {
		return Result[T]{}, err
	}
	return DecodeJSON[T](raw, schema), nil
}
