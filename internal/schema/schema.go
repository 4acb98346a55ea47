// Package schema validates ghostd's exported artifacts (session receipts
// and clip manifests) against embedded JSON Schemas. Artifacts cross a
// trust boundary when they leave the daemon; validating at the boundary
// catches encoding drift before a verifier sees it.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed receipt.schema.json
var receiptSchemaJSON []byte

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

var (
	once           sync.Once
	compileErr     error
	receiptSchema  *jsonschema.Schema
	manifestSchema *jsonschema.Schema
)

func compile() error {
	once.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020

		add := func(url string, raw []byte) error {
			if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
				return fmt.Errorf("add schema %s: %w", url, err)
			}
			return nil
		}
		if compileErr = add("receipt.schema.json", receiptSchemaJSON); compileErr != nil {
			return
		}
		if compileErr = add("manifest.schema.json", manifestSchemaJSON); compileErr != nil {
			return
		}

		receiptSchema, compileErr = c.Compile("receipt.schema.json")
		if compileErr != nil {
			return
		}
		manifestSchema, compileErr = c.Compile("manifest.schema.json")
	})
	return compileErr
}

func validate(s *jsonschema.Schema, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	return nil
}

// ValidateReceipt checks an encoded session receipt.
func ValidateReceipt(data []byte) error {
	if err := compile(); err != nil {
		return err
	}
	return validate(receiptSchema, data)
}

// ValidateManifest checks an encoded clip manifest.
func ValidateManifest(data []byte) error {
	if err := compile(); err != nil {
		return err
	}
	return validate(manifestSchema, data)
}
