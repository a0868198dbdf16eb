package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

// ValidationError is one schema violation with its position in the document.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SchemaError carries every violation found in a document.
type SchemaError struct {
	Schema string
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("document does not match schema %s: %s", e.Schema, strings.Join(msgs, "; "))
}

// SchemaRegistry manages CUE definitions documents are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("task", taskSchema, "#Task"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("store", taskSchema, "#Store"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateJSON checks a JSON document against the named schema. filename
// is used in error positions.
func (sr *SchemaRegistry) ValidateJSON(schemaName, filename string, data []byte) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	expr, err := cuejson.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	doc := sr.ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return &SchemaError{Schema: schemaName, Errors: convertCUEErrors(err)}
	}

	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Schema: schemaName, Errors: convertCUEErrors(err)}
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(cueerrors.Details(e, nil))}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

const taskSchema = `
#SecretRef: string & =~"^(vault|env|file)://.+"

#Credentials: {
	username?:            string
	passwordRef?:         #SecretRef
	sshKeyRef?:           #SecretRef
	sshKeyPassphraseRef?: #SecretRef
	accessKeyId?:         string
	secretAccessKeyRef?:  #SecretRef
	sessionTokenRef?:     #SecretRef
}

#Store: {
	identifier: string & !=""
	kind:       "GIT" | "S3" | "SFTP" | "INLINE"

	url?:    string
	branch?: string
	commit?: string

	region?:   string
	bucket?:   string
	endpoint?: string

	host?: string
	port?: int & >=1 & <=65535

	files?: {[string]: string}
	paths?: [...string]

	credentials?: #Credentials

	if kind == "GIT" {
		url: string & !=""
	}
	if kind == "S3" {
		region: string & !=""
		bucket: string & !=""
	}
	if kind == "SFTP" {
		host: string & !=""
	}
	if kind == "INLINE" {
		files: {[string]: string}
	}
}

#Name: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"

#Task: {
	kind:    "plan" | "apply" | "destroy"
	taskId?: string

	accountId: #Name
	entityId:  #Name

	runConfiguration: {
		runType: "MODULE" | "RUN_ALL"
		path?:   string
	}

	configFilesStore:  #Store
	varFileStores?:    [...#Store]
	backendFileStore?: #Store

	workspace?:     #Name
	targets?:       [...string]
	envVars?:       {[string]: string}
	secretEnvVars?: {[string]: #SecretRef}
	timeoutMillis?: int & >=0
	commandFlags?:  {[string]: string}

	stateFileId?: string
	encryptedPlan?: {
		id?:             string
		name:            string
		manager:         string
		encryptionKey?:  string
		encryptedValue?: string
	}
	planSecretManager?: name: string
	commandUnitsProgress?: [...]

	if kind == "plan" {
		commandType:              "APPLY" | "DESTROY"
		exportJsonPlan?:          bool
		exportHumanReadablePlan?: bool
	}
}
`
