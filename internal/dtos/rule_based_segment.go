package dtos

// Segment types listed under RuleBasedSegment.Excluded.Segments.
const (
	ExcludedSegmentStandard  = "standard"
	ExcludedSegmentLarge     = "large"
	ExcludedSegmentRuleBased = "rule-based"
)

// RuleBasedSegment is a segment whose membership is computed from rules.
type RuleBasedSegment struct {
	Name            string      `json:"name"`
	TrafficTypeName string      `json:"trafficTypeName"`
	ChangeNumber    int64       `json:"changeNumber"`
	Status          string      `json:"status"`
	Excluded        Excluded    `json:"excluded"`
	Conditions      []Condition `json:"conditions"`
}

// Excluded lists keys and segments never matched by a rule-based segment.
type Excluded struct {
	Keys     []string          `json:"keys"`
	Segments []ExcludedSegment `json:"segments"`
}

// ExcludedSegment is a typed segment reference.
type ExcludedSegment struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// IsActive reports whether the segment should be kept in storage.
func (r *RuleBasedSegment) IsActive() bool {
	return r.Status != StatusArchived
}

// RuleBasedSegmentNames lists the other rule-based segments this one depends on.
func (r *RuleBasedSegment) RuleBasedSegmentNames() []string {
	names := referencedRuleBasedSegments(r.Conditions)
	for _, s := range r.Excluded.Segments {
		if s.Type == ExcludedSegmentRuleBased && s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names
}
