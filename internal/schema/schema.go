// Package schema validates inbound JSON documents against embedded schemas.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("schema: invalid document")

//go:embed submission.schema.json
var submissionSchema []byte

//go:embed answer.schema.json
var answerSchema []byte

const (
	submissionURL = "https://keyreplay.dev/schema/submission-v1.json"
	answerURL     = "https://keyreplay.dev/schema/answer-v1.json"
)

var compiled = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	resources := map[string][]byte{
		submissionURL: submissionSchema,
		answerURL:     answerSchema,
	}
	for url, data := range resources {
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema: add %s: %w", url, err)
		}
	}

	out := make(map[string]*jsonschema.Schema, len(resources))
	for url := range resources {
		s, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", url, err)
		}
		out[url] = s
	}
	return out, nil
})

// ValidateSubmission checks a keystroke submission document.
func ValidateSubmission(raw []byte) error {
	return validate(submissionURL, raw)
}

// ValidateAnswer checks an answer creation document.
func ValidateAnswer(raw []byte) error {
	return validate(answerURL, raw)
}

func validate(url string, raw []byte) error {
	schemas, err := compiled()
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schemas[url].Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
