package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

var schemaCache sync.Map // schema text -> *jsonschema.Schema

func compileSchema(text string) (*jsonschema.Schema, error) {
	if s, ok := schemaCache.Load(text); ok {
		return s.(*jsonschema.Schema), nil
	}
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(text), rs); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	actual, _ := schemaCache.LoadOrStore(text, rs)
	return actual.(*jsonschema.Schema), nil
}

// validateJSON checks data against a schema. An empty schema accepts anything.
func validateJSON(ctx context.Context, schema string, data json.RawMessage, what string) error {
	if schema == "" {
		return nil
	}
	rs, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, what, err)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	keyErrs, err := rs.ValidateBytes(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, what, err)
	}
	if len(keyErrs) == 0 {
		return nil
	}
	msgs := make([]string, len(keyErrs))
	for i, ke := range keyErrs {
		msgs[i] = ke.Error()
	}
	return fmt.Errorf("%w: %s: %s", ErrValidation, what, strings.Join(msgs, "; "))
}
