package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// UnknownToolResult is the result content returned for a tool name the
// registry does not know. The model is expected to retry with a valid name.
const UnknownToolResult = "bad tool name, retry"

// ValidationError reports arguments that failed schema validation.
type ValidationError struct {
	Tool     string
	Problems []string
	Params   map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// SearchError reports a failed provider lookup along with the parameters
// that were sent.
type SearchError struct {
	Reason string
	Params map[string]any
	Err    error
}

func (e *SearchError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *SearchError) Unwrap() error { return e.Err }

// ErrorPayload renders err as the {"error": ..., "params": ...} object
// handed back to the model. params is used when err carries none.
func ErrorPayload(err error, params map[string]any) string {
	var (
		ve *ValidationError
		se *SearchError
	)
	switch {
	case errors.As(err, &ve) && ve.Params != nil:
		params = ve.Params
	case errors.As(err, &se) && se.Params != nil:
		params = se.Params
	}
	if params == nil {
		params = map[string]any{}
	}

	data, mErr := json.Marshal(map[string]any{
		"error":  err.Error(),
		"params": params,
	})
	if mErr != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}
