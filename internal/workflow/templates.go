package workflow

import (
	"encoding/json"
	"time"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/format"
)

// mergeResumeInput overlays outputs[resumeInputKey(selfID)] (the answer a
// caller supplied via provideInput for this exact step, if any) onto base,
// so a step resumed after suspension sees its own answer the same way it
// sees an ancestor's output.
func mergeResumeInput(base map[string]any, outputs map[string]json.RawMessage, selfID string) map[string]any {
	raw, ok := outputs[resumeInputKey(selfID)]
	if !ok {
		return base
	}
	var resumed map[string]any
	if err := json.Unmarshal(raw, &resumed); err != nil {
		return base
	}
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range resumed {
		base[k] = v
	}
	return base
}

// datasetInputMapper builds a source step's request payload from the
// dataset ref Engine.Submit/SubmitAsync records on the session at
// inputSlotKey (spec.md §3's dataset ref), overlaid with any answer the
// caller supplied for selfID via provideInput.
func datasetInputMapper(selfID string) InputMapper {
	return func(outputs map[string]json.RawMessage) (map[string]any, error) {
		raw, ok := outputs[inputSlotKey]
		if !ok {
			return mergeResumeInput(map[string]any{}, outputs, selfID), nil
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return map[string]any{}, err
		}
		return mergeResumeInput(payload, outputs, selfID), nil
	}
}

// fromPriorStep builds selfID's request payload from depStepID's recorded
// output, overlaid with any answer the caller supplied for selfID via
// provideInput.
func fromPriorStep(depStepID, selfID string) InputMapper {
	return func(outputs map[string]json.RawMessage) (map[string]any, error) {
		raw, ok := outputs[depStepID]
		if !ok {
			return mergeResumeInput(map[string]any{}, outputs, selfID), nil
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return map[string]any{}, err
		}
		return mergeResumeInput(payload, outputs, selfID), nil
	}
}

// decodeContributions pulls the Analysis worker's detector contributions
// back out of a step input built by fromPriorStep, round-tripping through
// JSON because BuildInput hands Compute a map[string]any rather than the
// typed slice format.Detect expects.
func decodeContributions(input map[string]any) ([]format.Contribution, error) {
	raw, err := json.Marshal(input["contributions"])
	if err != nil {
		return nil, err
	}
	var contributions []format.Contribution
	if err := json.Unmarshal(raw, &contributions); err != nil {
		return nil, err
	}
	return contributions, nil
}

// detectFormatCompute implements the "detectFormat" step's Compute
// function (spec.md §4.3, wired into §4.1's Analyzing step per §8
// scenario 2): aggregate the Analysis worker's contributions and resolve
// the primary format, or suspend with an InputRequired prompt naming the
// tied candidates when the top two fall within threshold of each other.
// If the step is being re-entered after such a suspension, input already
// carries the caller's chosen format (merged in by mergeResumeInput under
// the "format" key) and detection is skipped.
func detectFormatCompute(catalog format.Catalog, threshold float64) func(map[string]any) (agentport.Response, error) {
	return func(input map[string]any) (agentport.Response, error) {
		if tag, ok := input["format"].(string); ok && tag != "" {
			return agentport.Response{
				Tag:     agentport.TagOk,
				Payload: map[string]any{"format_tag": tag, "interface": catalog[tag]},
			}, nil
		}

		contributions, err := decodeContributions(input)
		if err != nil {
			return agentport.Response{}, err
		}

		det := format.DetectWithThreshold(contributions, catalog, threshold)
		if det.Ambiguous {
			candidates := make([]any, 0, len(det.Candidates))
			for _, c := range det.Candidates {
				candidates = append(candidates, c.FormatTag)
			}
			return agentport.Response{
				Tag: agentport.TagInputRequired,
				Prompt: &agentport.PromptSchema{
					Schema:  map[string]any{"required": []any{"format"}, "enum": candidates},
					Timeout: 10 * time.Minute,
				},
			}, nil
		}

		return agentport.Response{
			Tag:     agentport.TagOk,
			Payload: map[string]any{"format_tag": det.Primary, "interface": det.Interface},
		}, nil
	}
}

// NewConversionWorkflow builds the standard neurodata conversion pipeline
// spec.md §2 describes: Analysis feeds the Format Detection Coordinator,
// which feeds MetadataCollector, which feeds Conversion, which feeds
// Validation. This is the definition bound to the "neuroconv.standard"
// ref in the default WorkflowRegistry. catalog maps a resolved
// format tag to its conversion interface; ambiguityThreshold is the gap
// at or below which detectFormat suspends for disambiguation instead of
// resolving automatically.
func NewConversionWorkflow(id string, timeout time.Duration, catalog format.Catalog, ambiguityThreshold float64) (*WorkflowDefinition, error) {
	nanos := timeout.Nanoseconds()
	return New(id, []Step{
		{
			ID:           "analyze",
			Role:         agentport.RoleAnalysis,
			TimeoutNanos: nanos,
			Retry:        RetryPolicy{MaxAttempts: 3, BaseDelay: int64(time.Second), MaxDelay: int64(30 * time.Second)},
			BuildInput:   datasetInputMapper("analyze"),
		},
		{
			ID:         "detectFormat",
			Role:       agentport.RoleInternal,
			DependsOn:  []string{"analyze"},
			BuildInput: fromPriorStep("analyze", "detectFormat"),
			Compute:    detectFormatCompute(catalog, ambiguityThreshold),
		},
		{
			ID:           "collect",
			Role:         agentport.RoleMetadataCollector,
			TimeoutNanos: nanos,
			Retry:        RetryPolicy{MaxAttempts: 3, BaseDelay: int64(time.Second), MaxDelay: int64(30 * time.Second)},
			Suspendable:  true,
			DependsOn:    []string{"detectFormat"},
			BuildInput:   fromPriorStep("detectFormat", "collect"),
		},
		{
			ID:           "convert",
			Role:         agentport.RoleConversion,
			TimeoutNanos: nanos,
			Retry:        RetryPolicy{MaxAttempts: 2, BaseDelay: int64(2 * time.Second), MaxDelay: int64(time.Minute)},
			Idempotent:   true,
			DependsOn:    []string{"collect"},
			BuildInput:   fromPriorStep("collect", "convert"),
		},
		{
			ID:           "validate",
			Role:         agentport.RoleValidation,
			TimeoutNanos: nanos,
			Retry:        RetryPolicy{MaxAttempts: 2, BaseDelay: int64(time.Second), MaxDelay: int64(30 * time.Second)},
			DependsOn:    []string{"convert"},
			BuildInput:   fromPriorStep("convert", "validate"),
		},
	})
}
