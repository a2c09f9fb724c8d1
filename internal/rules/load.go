package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/compsync/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// LoadError is a failure to read or build a rules file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load error codes.
const (
	ErrCodeNotFound    = "E201" // path not found
	ErrCodeLoadFailed  = "E202" // CUE load failed
	ErrCodeBuildFailed = "E203" // CUE build failed
	ErrCodeSchema      = "E204" // value does not satisfy the rule schema
	ErrCodeNoRules     = "E205" // no rule entries
)

// ruleDoc is the decoded shape of one rule entry.
type ruleDoc struct {
	Frameworks []string `json:"frameworks"`
	Courses    []int64  `json:"courses"`
	Mode       string   `json:"mode"`
	ResourceID string   `json:"resource_id"`
}

// Load reads rules from a .cue file or a directory holding one CUE package.
//
// The file declares one entry per tenant:
//
//	rule: "7": {
//		frameworks:  ["SOC 2", "ISO 27001"]
//		courses:     [10, 11]
//		mode:        "ALL"
//		resource_id: "acme-training"
//	}
//
// Rules are returned sorted by tenant ID.
func Load(path string) ([]model.SyncRule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("rules path not found: %s", path)}
	}

	ctx := cuecontext.New()
	var value cue.Value
	if info.IsDir() {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
		}
		if instances[0].Err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", instances[0].Err)}
		}
		value = ctx.BuildInstance(instances[0])
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
		}
		value = ctx.CompileBytes(data, cue.Filename(path))
	}
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}

	return compile(ctx, value)
}

// Parse compiles rules from CUE source held in memory.
func Parse(filename string, src []byte) ([]model.SyncRule, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	return compile(ctx, value)
}

func compile(ctx *cue.Context, value cue.Value) ([]model.SyncRule, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile rule schema: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}

	rulesVal := unified.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return nil, &LoadError{Code: ErrCodeNoRules, Message: "no rule entries found"}
	}
	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}

	var out []model.SyncRule
	for iter.Next() {
		label := iter.Selector().Unquoted()
		tenantID, err := strconv.ParseInt(label, 10, 64)
		if err != nil || tenantID <= 0 {
			return nil, &LoadError{
				Code:    ErrCodeSchema,
				Message: fmt.Sprintf("rule label %q is not a tenant ID", label),
				Pos:     iter.Value().Pos(),
			}
		}

		var doc ruleDoc
		if err := iter.Value().Decode(&doc); err != nil {
			return nil, cueError(ErrCodeSchema, err)
		}
		mode, err := model.ParseCompletionMode(doc.Mode)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeSchema, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		out = append(out, model.SyncRule{
			TenantID:       tenantID,
			Frameworks:     doc.Frameworks,
			Courses:        doc.Courses,
			CompletionMode: mode,
			ResourceID:     doc.ResourceID,
		})
	}
	if len(out) == 0 {
		return nil, &LoadError{Code: ErrCodeNoRules, Message: "no rule entries found"}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// cueError keeps the first CUE error position.
func cueError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: cueerrors.Details(err, nil)}
	for _, e := range cueerrors.Errors(err) {
		if pos := e.Position(); pos.IsValid() {
			le.Pos = pos
			le.Message = e.Error()
			break
		}
	}
	return le
}
