// Package descriptor normalizes the heterogeneous template descriptors the
// compose flow produces into one canonical shape. Normalization is pure: it
// never touches storage and degrades to an empty canonical descriptor rather
// than failing on malformed input.
package descriptor

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	ApproverPerson = "Person"
	ApproverRole   = "Role"
	ApproverRule   = "Rule"

	TypeDate = "Date"
	TypeNum  = "Num"
	TypeText = "Text"
)

type Canonical struct {
	Inputs     []Input     `json:"inputs"`
	Approvals  []Approval  `json:"approvals"`
	FlowGroups []FlowGroup `json:"flowGroups,omitempty"`
	Version    string      `json:"version,omitempty"`
}

type Input struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	A1       string `json:"a1,omitempty"`
}

type Approval struct {
	RoleKey      string `json:"roleKey"`
	ApproverType string `json:"approverType"`
	Required     bool   `json:"required"`
	Value        string `json:"value"`
}

type FlowGroup struct {
	ID   string   `json:"id"`
	Keys []string `json:"keys,omitempty"`
}

// approvalEntry carries the explicit order extracted from the raw JSON through
// the dedup pass. The order never survives into the canonical output.
type approvalEntry struct {
	Approval
	order int
}

var roleKeyPattern = regexp.MustCompile(`^A(\d+)$`)

// RoleKey renders the canonical display label for a step number.
func RoleKey(step int) string {
	return "A" + strconv.Itoa(step)
}

// Normalize turns an arbitrary descriptor payload into the canonical
// {inputs, approvals, flowGroups} shape. Already-canonical input passes
// through modulo step dedup; the legacy {Fields, Approvals} shape is
// converted; anything unparseable becomes an empty converted descriptor.
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) Canonical {
	var doc map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &doc); err != nil || len(doc) == 0 {
		return Canonical{Inputs: []Input{}, Approvals: []Approval{}, Version: "converted"}
	}

	if _, ok := doc["inputs"]; ok {
		return normalizeCanonical(doc)
	}
	if hasAnyKey(doc, "Fields", "Approvals") {
		return normalizeLegacy(doc)
	}
	return Canonical{Inputs: []Input{}, Approvals: []Approval{}, Version: "converted"}
}

func normalizeCanonical(doc map[string]any) Canonical {
	out := Canonical{
		Inputs:    []Input{},
		Approvals: []Approval{},
		Version:   extractString(doc, "version"),
	}

	for _, item := range objectSlice(doc, "inputs") {
		out.Inputs = append(out.Inputs, Input{
			Key:      extractString(item, "key", "Key"),
			Type:     extractString(item, "type", "Type"),
			Required: extractBool(item, true, "required", "Required"),
			A1:       extractString(item, "a1", "A1"),
		})
	}

	entries := make([]approvalEntry, 0)
	for _, item := range objectSlice(doc, "approvals") {
		entries = append(entries, approvalEntry{
			Approval: Approval{
				RoleKey:      extractString(item, "roleKey", "RoleKey", "role", "Role"),
				ApproverType: normalizeApproverType(extractString(item, "approverType", "ApproverType", "type", "Type")),
				Required:     extractBool(item, true, "required", "Required"),
				Value:        extractApproverValue(item),
			},
			order: extractOrder(item),
		})
	}
	out.Approvals = dedupSteps(entries)

	for _, item := range objectSlice(doc, "flowGroups") {
		group := FlowGroup{ID: extractString(item, "id", "Id", "ID")}
		for _, key := range anySlice(item["keys"]) {
			if s, ok := key.(string); ok {
				group.Keys = append(group.Keys, s)
			}
		}
		out.FlowGroups = append(out.FlowGroups, group)
	}
	return out
}

func normalizeLegacy(doc map[string]any) Canonical {
	out := Canonical{Inputs: []Input{}, Approvals: []Approval{}}

	for _, item := range objectSlice(doc, "Fields") {
		input := Input{
			Key:      extractString(item, "Key", "key"),
			Type:     SniffType(extractString(item, "Type", "type")),
			Required: extractBool(item, true, "Required", "required"),
		}
		if cell, ok := item["Cell"].(map[string]any); ok {
			input.A1 = extractString(cell, "A1", "a1")
		}
		out.Inputs = append(out.Inputs, input)
	}

	// Role keys are assigned by array position, not the legacy Slot value.
	// Slot values are frequently degenerate (all 1) and must not collapse
	// distinct approvers.
	entries := make([]approvalEntry, 0)
	for i, item := range objectSlice(doc, "Approvals") {
		entries = append(entries, approvalEntry{
			Approval: Approval{
				RoleKey:      RoleKey(i + 1),
				ApproverType: normalizeApproverType(extractString(item, "ApproverType", "approverType", "Type", "type")),
				Required:     extractBool(item, true, "Required", "required"),
				Value:        extractApproverValue(item),
			},
		})
	}
	out.Approvals = dedupSteps(entries)
	return out
}

// dedupSteps groups approval entries by derived step number, keeps one entry
// per step, and renumbers role keys contiguously. Per step the first entry
// seen wins unless a later entry carries a non-empty approver value and the
// kept one does not. Entries whose derived step is non-positive are dropped.
func dedupSteps(entries []approvalEntry) []Approval {
	type kept struct {
		entry approvalEntry
		step  int
	}
	byStep := make(map[int]*kept)
	for _, entry := range entries {
		step := deriveStep(entry)
		if step <= 0 {
			continue
		}
		existing, ok := byStep[step]
		if !ok {
			byStep[step] = &kept{entry: entry, step: step}
			continue
		}
		if existing.entry.Value == "" && entry.Value != "" {
			existing.entry = entry
		}
	}

	steps := make([]*kept, 0, len(byStep))
	for _, k := range byStep {
		steps = append(steps, k)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].step != steps[j].step {
			return steps[i].step < steps[j].step
		}
		return steps[i].entry.RoleKey < steps[j].entry.RoleKey
	})

	out := make([]Approval, 0, len(steps))
	for i, k := range steps {
		approval := k.entry.Approval
		approval.RoleKey = RoleKey(i + 1)
		if approval.ApproverType == "" {
			approval.ApproverType = ApproverPerson
		}
		out = append(out, approval)
	}
	return out
}

// deriveStep resolves the step number an approval entry belongs to: an
// explicit slot/order field wins, then the numeric suffix of an "A{n}" role
// key; everything else derives to 0 and is dropped by dedup.
func deriveStep(entry approvalEntry) int {
	if entry.order > 0 {
		return entry.order
	}
	if m := roleKeyPattern.FindStringSubmatch(entry.RoleKey); m != nil {
		step, err := strconv.Atoi(m[1])
		if err == nil {
			return step
		}
	}
	return 0
}

// SniffType maps a raw field-type string onto one of Date, Num or Text by
// prefix and substring matching.
func SniffType(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(lowered, "date") || strings.Contains(lowered, "time"):
		return TypeDate
	case strings.HasPrefix(lowered, "num") || strings.HasPrefix(lowered, "int") ||
		strings.HasPrefix(lowered, "dec") || strings.HasPrefix(lowered, "float") ||
		strings.HasPrefix(lowered, "cur"):
		return TypeNum
	default:
		return TypeText
	}
}

func normalizeApproverType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "role":
		return ApproverRole
	case "rule":
		return ApproverRule
	case "", "person":
		return ApproverPerson
	default:
		return ApproverPerson
	}
}

func hasAnyKey(doc map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}

func objectSlice(doc map[string]any, key string) []map[string]any {
	items := anySlice(doc[key])
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func anySlice(value any) []any {
	items, _ := value.([]any)
	return items
}
