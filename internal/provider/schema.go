// file: internal/provider/schema.go
package provider

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/identity.json
var embeddedSchema []byte

const schemaResourceID = "identity://responses.json"

// Response shapes with a schema definition.
const (
	shapeSignIn  = "signIn"
	shapeRefresh = "refresh"
	shapeOOBCode = "oobCode"
	shapeError   = "error"
)

// responseValidator checks API responses against the embedded schema
// before they are decoded into Go structs.
type responseValidator struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

func (v *responseValidator) init() error {
	v.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaResourceID, bytes.NewReader(embeddedSchema)); err != nil {
			v.initErr = errors.Wrap(err, "failed to add identity schema resource")
			return
		}
		v.schemas = make(map[string]*jsonschema.Schema)
		for _, shape := range []string{shapeSignIn, shapeRefresh, shapeOOBCode, shapeError} {
			s, err := compiler.Compile(schemaResourceID + "#/$defs/" + shape)
			if err != nil {
				v.initErr = errors.Wrapf(err, "failed to compile schema for %s", shape)
				return
			}
			v.schemas[shape] = s
		}
	})
	return v.initErr
}

// validate returns a *Error with CodeInvalidResponse when body does not
// match shape.
func (v *responseValidator) validate(shape string, body []byte) error {
	if err := v.init(); err != nil {
		return err
	}
	schema, ok := v.schemas[shape]
	if !ok {
		return errors.Newf("no schema for response shape %q", shape)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var instance interface{}
	if err := dec.Decode(&instance); err != nil {
		return &Error{Code: CodeInvalidResponse, Message: "response is not JSON: " + err.Error()}
	}
	if err := schema.Validate(instance); err != nil {
		var valErr *jsonschema.ValidationError
		if errors.As(err, &valErr) {
			return &Error{Code: CodeInvalidResponse, Message: shape + " response: " + valErr.Message}
		}
		return errors.Wrap(err, "schema validation failed unexpectedly")
	}
	return nil
}
