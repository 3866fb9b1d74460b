package stagerunner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// plannerSchemaJSON is the §6 "Planner output schema": a content string plus
// a task breakdown array. Both the bare object and the {plan: <object>}
// wrapper are accepted; unwrapping happens in plan.go before validation.
const plannerSchemaJSON = `{
	"type": "object",
	"required": ["content", "taskBreakdown"],
	"properties": {
		"content": {"type": "string"},
		"taskBreakdown": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title", "description"],
				"properties": {
					"title": {"type": "string"},
					"description": {"type": "string"},
					"agentRole": {"type": "string"},
					"domain": {"type": "string"},
					"dependsOn": {"type": "array", "items": {"type": "string"}},
					"canParallelize": {"type": "boolean"},
					"complexity": {"type": "string", "enum": ["low", "medium", "high"]}
				}
			}
		}
	}
}`

// reviewerSchemaJSON is the §6 "Reviewer output schema" shared by
// adversarial_review and code_review: a verdict plus optional detail and
// churn metrics.
const reviewerSchemaJSON = `{
	"type": "object",
	"required": ["verdict"],
	"properties": {
		"verdict": {"type": "string", "enum": ["pass", "reject"]},
		"summary": {"type": "string"},
		"severity": {"type": "string"},
		"findings": {"type": "array"},
		"churnMetrics": {
			"type": "object",
			"properties": {
				"verdict": {"type": "string", "enum": ["clean", "warning", "critical"]},
				"churnScore": {"type": "number"},
				"patchStyleFixes": {"type": "integer"},
				"duplicatedCode": {"type": "boolean"}
			}
		}
	}
}`

// compiledSchema compiles one raw JSON Schema document into a reusable
// validator, grounded on the teacher's jsonschema.v6 StructuredValidator
// construction: unmarshal with jsonschema.UnmarshalJSON for json.Number
// fidelity, register as an in-memory resource, then compile by name.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compileSchema(name, raw string) (*compiledSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &compiledSchema{schema: schema}, nil
}

// validate decodes jsonStr with jsonschema.UnmarshalJSON (required for
// correct number handling) and checks it against the compiled schema.
func (cs *compiledSchema) validate(jsonStr string) (interface{}, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cs.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return parsed, nil
}

// schemas bundles the two compiled validators the stage runner needs. Built
// once at Runner construction time; compilation failure is a programmer
// error (a malformed literal schema), so New panics rather than threading an
// error through every stage call site.
type schemas struct {
	planner  *compiledSchema
	reviewer *compiledSchema
}

func mustCompileSchemas() schemas {
	planner, err := compileSchema("planner.json", plannerSchemaJSON)
	if err != nil {
		panic(err)
	}
	reviewer, err := compileSchema("reviewer.json", reviewerSchemaJSON)
	if err != nil {
		panic(err)
	}
	return schemas{planner: planner, reviewer: reviewer}
}

// planTaskItem is one element of a validated taskBreakdown array.
type planTaskItem struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	AgentRole      string   `json:"agentRole"`
	Domain         string   `json:"domain"`
	DependsOn      []string `json:"dependsOn"`
	CanParallelize bool     `json:"canParallelize"`
	Complexity     string   `json:"complexity"`
}

type plannerOutput struct {
	Content       string         `json:"content"`
	TaskBreakdown []planTaskItem `json:"taskBreakdown"`
}

// parsePlannerOutput extracts, unwraps and schema-validates a planner
// response. Accepts either the bare {content, taskBreakdown} object or a
// {plan: <object>} wrapper (§4.7 step 2). Any failure here is a deterministic
// parse error per §7.2: the caller MUST NOT retry the same prompt.
func (s schemas) parsePlannerOutput(responseText string) (plannerOutput, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return plannerOutput{}, fmt.Errorf("planner response does not contain valid JSON")
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err != nil {
		return plannerOutput{}, fmt.Errorf("planner response is not a JSON object: %w", err)
	}
	if inner, ok := envelope["plan"]; ok {
		jsonStr = string(inner)
	}

	if _, err := s.planner.validate(jsonStr); err != nil {
		return plannerOutput{}, fmt.Errorf("planner output failed schema validation: %w", err)
	}

	var out plannerOutput
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return plannerOutput{}, fmt.Errorf("decode planner output: %w", err)
	}
	for i := range out.TaskBreakdown {
		if out.TaskBreakdown[i].Complexity == "" {
			out.TaskBreakdown[i].Complexity = "medium"
		}
	}
	return out, nil
}

// reviewerVerdict is the decoded shape of a reviewer (adversarial_review or
// code_review) response.
type reviewerVerdict struct {
	Verdict      string          `json:"verdict"`
	Summary      string          `json:"summary"`
	Severity     string          `json:"severity"`
	ChurnMetrics *churnMetrics   `json:"churnMetrics,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

type churnMetrics struct {
	Verdict         string  `json:"verdict"`
	ChurnScore      float64 `json:"churnScore"`
	PatchStyleFixes int     `json:"patchStyleFixes"`
	DuplicatedCode  bool    `json:"duplicatedCode"`
}

// parseReviewerOutput extracts and schema-validates a reviewer response.
// Unlike the planner, a reviewer parse failure is NOT fatal (§4.7 step 4):
// the caller stores the raw feedback and passes through, so this returns
// ok=false rather than an error on malformed output.
func (s schemas) parseReviewerOutput(responseText string) (verdict reviewerVerdict, ok bool) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return reviewerVerdict{}, false
	}
	if _, err := s.reviewer.validate(jsonStr); err != nil {
		return reviewerVerdict{}, false
	}
	if err := json.Unmarshal([]byte(jsonStr), &verdict); err != nil {
		return reviewerVerdict{}, false
	}
	verdict.Raw = json.RawMessage(jsonStr)
	return verdict, true
}
