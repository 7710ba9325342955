package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var configSchema string

// schema holds the compiled #Config definition. A cue.Context is not safe
// for concurrent use, so checks are serialized.
type schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

var (
	schemaOnce sync.Once
	compiled   *schema
	schemaErr  error
)

func loadSchema() (*schema, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		val := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
		if err := val.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		def := val.LookupPath(cue.ParsePath("#Config"))
		if err := def.Err(); err != nil {
			schemaErr = fmt.Errorf("config schema has no #Config: %w", err)
			return
		}
		compiled = &schema{ctx: ctx, def: def}
	})
	return compiled, schemaErr
}

// checkSchema validates a raw YAML document against the embedded schema.
// It sees the document as written, before defaults are merged in, so a
// scalar of the wrong kind is caught even where YAML decoding would
// coerce it.
func checkSchema(data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	s, err := loadSchema()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("cannot encode configuration: %w", err)
	}
	if err := s.def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", strings.TrimSpace(errors.Details(err, nil)))
	}
	return nil
}
