package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Builtin handler agent types, matching the stage declarations in the
// shipped templates.
const (
	TypeParser    = "parser"
	TypeSales     = "sales"
	TypeTechnical = "technical"
	TypePricing   = "pricing"
	TypeWriter    = "writer"
)

// ParseHandler extracts structured fields from the raw RFP text. A real
// deployment replaces this with an LLM- or rules-backed parser; the builtin
// derives what it can from the submitted document.
func ParseHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
		text, _ := task.Input["raw_text"].(string)
		if text == "" {
			if _, ok := task.Input["requirements"]; !ok {
				return nil, Permanentf("submission has neither raw_text nor requirements")
			}
		}
		out := map[string]any{
			"requirements": task.Input["requirements"],
			"customer":     task.Input["customer"],
		}
		if out["requirements"] == nil {
			reqs := []any{}
			for _, line := range strings.Split(text, "\n") {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
					reqs = append(reqs, strings.TrimLeft(line, "-* "))
				}
			}
			out["requirements"] = reqs
		}
		if v, ok := task.Input["estimated_value"]; ok {
			out["estimated_value"] = v
		}
		if v, ok := task.Input["is_standard_product"]; ok {
			out["is_standard_product"] = v
		}
		return out, nil
	})
}

// SalesHandler scores deal qualification from the parsed fields.
func SalesHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
		value := floatField(task.Input, "estimated_value")
		prob := 0.5
		switch {
		case value <= 0:
			prob = 0.3
		case value > 250000:
			prob = 0.4
		case value < 50000:
			prob = 0.7
		}
		qual := "pursue"
		if prob < 0.35 {
			qual = "review"
		}
		return map[string]any{
			"qualification":   qual,
			"win_probability": prob,
		}, nil
	})
}

// TechnicalHandler checks requirement feasibility.
func TechnicalHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
		reqs, _ := task.Input["requirements"].([]any)
		feasible := true
		var concerns []any
		for _, r := range reqs {
			s, _ := r.(string)
			if strings.Contains(strings.ToLower(s), "custom") {
				concerns = append(concerns, s)
			}
		}
		if len(concerns) > len(reqs)/2 && len(reqs) > 0 {
			feasible = false
		}
		return map[string]any{
			"feasibility":      feasible,
			"solution_outline": map[string]any{"requirements": len(reqs), "concerns": concerns},
		}, nil
	})
}

// PricingHandler builds the quote. It fails permanently without an estimated
// value since nothing downstream can price a void.
func PricingHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
		value := floatField(task.Input, "estimated_value")
		if value <= 0 {
			return nil, Permanentf("cannot price without estimated_value")
		}
		margin := 0.35
		if value > 250000 {
			margin = 0.28
		}
		return map[string]any{
			"quote":  map[string]any{"total": value, "currency": "USD", "valid_days": 30},
			"margin": margin,
		}, nil
	})
}

// WriterHandler assembles the response document from everything upstream.
func WriterHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
		doc := map[string]any{
			"generated_at": time.Now().UTC().Format(time.RFC3339),
			"customer":     task.Input["customer"],
			"quote":        task.Input["quote"],
			"summary":      fmt.Sprintf("Proposal for %v", task.Input["customer"]),
		}
		if q, ok := task.Input["qualification"]; ok {
			doc["qualification"] = q
		}
		return map[string]any{"document": doc}, nil
	})
}

// Builtins maps handler type to constructor, in template stage order.
func Builtins() map[string]Handler {
	return map[string]Handler{
		TypeParser:    ParseHandler(),
		TypeSales:     SalesHandler(),
		TypeTechnical: TechnicalHandler(),
		TypePricing:   PricingHandler(),
		TypeWriter:    WriterHandler(),
	}
}

func floatField(doc map[string]any, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
