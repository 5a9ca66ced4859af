// Package dtos holds the wire representation of targeting rules and
// memberships as served by the control plane.
package dtos

// Status values for flags and rule-based segments.
const (
	StatusActive   = "ACTIVE"
	StatusArchived = "ARCHIVED"
)

// MatcherInRuleBasedSegment references a rule-based segment by name.
const MatcherInRuleBasedSegment = "IN_RULE_BASED_SEGMENT"

// Split is a feature flag definition.
type Split struct {
	Name                  string            `json:"name"`
	TrafficTypeName       string            `json:"trafficTypeName"`
	Seed                  int64             `json:"seed"`
	Status                string            `json:"status"`
	Killed                bool              `json:"killed"`
	DefaultTreatment      string            `json:"defaultTreatment"`
	ChangeNumber          int64             `json:"changeNumber"`
	Algo                  int               `json:"algo,omitempty"`
	TrafficAllocation     *int              `json:"trafficAllocation,omitempty"`
	TrafficAllocationSeed *int64            `json:"trafficAllocationSeed,omitempty"`
	Configurations        map[string]string `json:"configurations,omitempty"`
	Sets                  []string          `json:"sets,omitempty"`
	ImpressionsDisabled   bool              `json:"impressionsDisabled,omitempty"`
	Conditions            []Condition       `json:"conditions"`
}

// IsActive reports whether the flag should be kept in storage.
func (s *Split) IsActive() bool {
	return s.Status != StatusArchived
}

// RuleBasedSegmentNames lists every rule-based segment the flag matches on.
func (s *Split) RuleBasedSegmentNames() []string {
	return referencedRuleBasedSegments(s.Conditions)
}

// Condition is one targeting rule of a flag or rule-based segment.
type Condition struct {
	ConditionType string       `json:"conditionType"`
	MatcherGroup  MatcherGroup `json:"matcherGroup"`
	Partitions    []Partition  `json:"partitions,omitempty"`
	Label         string       `json:"label,omitempty"`
}

// MatcherGroup combines matchers, usually with AND.
type MatcherGroup struct {
	Combiner string    `json:"combiner"`
	Matchers []Matcher `json:"matchers"`
}

// Matcher is opaque to the sync engine apart from segment references.
type Matcher struct {
	MatcherType                    string                 `json:"matcherType"`
	Negate                         bool                   `json:"negate"`
	KeySelector                    *KeySelector           `json:"keySelector,omitempty"`
	UserDefinedSegmentMatcherData  *SegmentMatcherData    `json:"userDefinedSegmentMatcherData,omitempty"`
	UserDefinedLargeSegmentMatcher *LargeSegmentMatcher   `json:"userDefinedLargeSegmentMatcherData,omitempty"`
	WhitelistMatcherData           *WhitelistMatcherData  `json:"whitelistMatcherData,omitempty"`
	UnaryNumericMatcherData        *UnaryNumericData      `json:"unaryNumericMatcherData,omitempty"`
	BetweenMatcherData             *BetweenMatcherData    `json:"betweenMatcherData,omitempty"`
	DependencyMatcherData          *DependencyMatcherData `json:"dependencyMatcherData,omitempty"`
	BooleanMatcherData             *bool                  `json:"booleanMatcherData,omitempty"`
	StringMatcherData              *string                `json:"stringMatcherData,omitempty"`
}

// KeySelector picks the attribute a matcher applies to.
type KeySelector struct {
	TrafficType string  `json:"trafficType"`
	Attribute   *string `json:"attribute,omitempty"`
}

// SegmentMatcherData references a segment by name.
type SegmentMatcherData struct {
	SegmentName string `json:"segmentName"`
}

// LargeSegmentMatcher references a large segment by name.
type LargeSegmentMatcher struct {
	LargeSegmentName string `json:"largeSegmentName"`
}

// WhitelistMatcherData is an explicit list of values.
type WhitelistMatcherData struct {
	Whitelist []string `json:"whitelist"`
}

// UnaryNumericData compares against a single value.
type UnaryNumericData struct {
	DataType string `json:"dataType"`
	Value    int64  `json:"value"`
}

// BetweenMatcherData is an inclusive numeric range.
type BetweenMatcherData struct {
	DataType string `json:"dataType"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// DependencyMatcherData makes a flag depend on another flag's treatment.
type DependencyMatcherData struct {
	Split      string   `json:"split"`
	Treatments []string `json:"treatments"`
}

// Partition assigns a share of traffic to a treatment.
type Partition struct {
	Treatment string `json:"treatment"`
	Size      int    `json:"size"`
}

func referencedRuleBasedSegments(conditions []Condition) []string {
	var names []string
	seen := make(map[string]bool)
	for _, c := range conditions {
		for _, m := range c.MatcherGroup.Matchers {
			if m.MatcherType != MatcherInRuleBasedSegment || m.UserDefinedSegmentMatcherData == nil {
				continue
			}
			name := m.UserDefinedSegmentMatcherData.SegmentName
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}
