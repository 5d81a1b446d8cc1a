// Package policy gates rendered manifests before they are applied to a cluster.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/render"
)

//go:embed kubernetes.rego
var policyContent string

type Validator struct {
	prepared rego.PreparedEvalQuery
}

// Input carries deployment settings the policy checks objects against
type Input struct {
	Namespace         string
	AllowedRegistries []string
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// Err returns nil when the manifests are allowed, ErrPolicyViolation otherwise
func (r *ValidationResult) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrPolicyViolation, strings.Join(r.Violations, "; "))
}

func NewValidator() (*Validator, error) {
	query, err := rego.New(
		rego.Query("data.kubernetes.violations"),
		rego.Module("kubernetes.rego", policyContent),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	return &Validator{
		prepared: query,
	}, nil
}

// Validate evaluates docs against the policy
func (v *Validator) Validate(ctx context.Context, docs []render.Document, in Input) (*ValidationResult, error) {
	objects := make([]any, 0, len(docs))
	for _, doc := range docs {
		objects = append(objects, doc.Object.Object)
	}

	registries := make([]any, 0, len(in.AllowedRegistries))
	for _, r := range in.AllowedRegistries {
		registries = append(registries, strings.TrimSuffix(r, "/"))
	}

	input := map[string]any{
		"objects":           objects,
		"namespace":         in.Namespace,
		"allowedRegistries": registries,
	}

	results, err := v.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	var violations []string
	switch value := results[0].Expressions[0].Value.(type) {
	case []any:
		for _, violation := range value {
			if str, ok := violation.(string); ok {
				violations = append(violations, str)
			}
		}
	case map[string]any:
		// Handle set type from Rego
		for violation := range value {
			violations = append(violations, violation)
		}
	}
	sort.Strings(violations)

	return &ValidationResult{
		Allowed:    len(violations) == 0,
		Violations: violations,
	}, nil
}
