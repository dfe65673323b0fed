package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sundayezeilo/tokengate/internal/errx"
)

const (
	// MaxRequestBodySize is the maximum allowed request body size (1MB).
	MaxRequestBodySize = 1 << 20
)

// DecodeJSON decodes a single JSON object from the request body.
// Unknown fields and values of the wrong JSON type are rejected with an
// errx.Invalid error naming the offending field.
func DecodeJSON[T any](r *http.Request) (T, error) {
	const op = "httpx.DecodeJSON"
	var zeroValue T

	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)
	defer func() {
		_ = r.Body.Close()
	}()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	var v T
	if err := decoder.Decode(&v); err != nil {
		var syntaxErr *json.SyntaxError
		var unmarshalErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError

		switch {
		case errors.As(err, &syntaxErr):
			return zeroValue, errx.E(op, errx.Invalid, fmt.Errorf("malformed JSON at position %d", syntaxErr.Offset))
		case errors.As(err, &unmarshalErr):
			return zeroValue, errx.Invalidf(op, unmarshalErr.Field, "invalid value for field %q", unmarshalErr.Field)
		case errors.As(err, &maxBytesErr):
			return zeroValue, errx.E(op, errx.Invalid, fmt.Errorf("request body too large (max %d bytes)", MaxRequestBodySize))
		case errors.Is(err, io.EOF):
			return zeroValue, errx.E(op, errx.Invalid, errors.New("request body is empty"))
		case errors.Is(err, io.ErrUnexpectedEOF):
			return zeroValue, errx.E(op, errx.Invalid, errors.New("malformed JSON: unexpected end of body"))
		default:
			if field, ok := unknownField(err); ok {
				return zeroValue, errx.Invalidf(op, field, "unknown field %q", field)
			}
			return zeroValue, errx.E(op, errx.Invalid, fmt.Errorf("failed to decode JSON: %w", err))
		}
	}

	// Ensure there's no additional data after the JSON object
	if decoder.More() {
		return zeroValue, errx.E(op, errx.Invalid, errors.New("request body contains multiple JSON objects"))
	}

	return v, nil
}

// unknownField extracts the field name from encoding/json's
// `json: unknown field "x"` error, which has no exported type.
func unknownField(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(msg, prefix), `"`), true
}
