package dtos

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Protocol specs understood by the changes endpoint.
const (
	Spec11 = "1.1"
	Spec13 = "1.3"
)

// FeatureFlagsChange is one page of feature flag changes.
type FeatureFlagsChange struct {
	Splits []Split `json:"d"`
	Since  int64   `json:"s"`
	Till   int64   `json:"t"`
}

// RuleBasedSegmentsChange is one page of rule-based segment changes.
type RuleBasedSegmentsChange struct {
	Segments []RuleBasedSegment `json:"d"`
	Since    int64              `json:"s"`
	Till     int64              `json:"t"`
}

// TargetingRulesChange is the response of the changes endpoint.
type TargetingRulesChange struct {
	FeatureFlags      FeatureFlagsChange      `json:"ff"`
	RuleBasedSegments RuleBasedSegmentsChange `json:"rbs"`
}

// legacySplitChange is the spec 1.1 response shape.
type legacySplitChange struct {
	Splits []Split `json:"splits"`
	Since  *int64  `json:"since"`
	Till   *int64  `json:"till"`
}

// UnmarshalJSON accepts both the 1.3 shape and the legacy 1.1 shape.
// A legacy body carries no rule-based segments; those are reported as an
// empty page at -1.
func (c *TargetingRulesChange) UnmarshalJSON(b []byte) error {
	var shape struct {
		FF  *FeatureFlagsChange      `json:"ff"`
		RBS *RuleBasedSegmentsChange `json:"rbs"`
	}
	if err := json.Unmarshal(b, &shape); err != nil {
		return err
	}

	if shape.FF != nil {
		c.FeatureFlags = *shape.FF
		if shape.RBS != nil {
			c.RuleBasedSegments = *shape.RBS
		} else {
			c.RuleBasedSegments = RuleBasedSegmentsChange{Since: -1, Till: -1}
		}
		return nil
	}

	var legacy legacySplitChange
	if err := json.Unmarshal(b, &legacy); err != nil {
		return err
	}
	if legacy.Since == nil || legacy.Till == nil {
		return fmt.Errorf("changes payload has neither ff nor since/till")
	}
	c.FeatureFlags = FeatureFlagsChange{Splits: legacy.Splits, Since: *legacy.Since, Till: *legacy.Till}
	c.RuleBasedSegments = RuleBasedSegmentsChange{Since: -1, Till: -1}
	return nil
}
