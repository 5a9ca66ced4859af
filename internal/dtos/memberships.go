package dtos

// MembershipsResponse is the body of the per-key memberships endpoint.
type MembershipsResponse struct {
	Memberships      SegmentsChange `json:"ms"`
	LargeMemberships SegmentsChange `json:"ls"`
}

// SegmentsChange is the set of segments a key belongs to at a change number.
// A zero ChangeNumber means the server did not report one.
type SegmentsChange struct {
	Segments     []SegmentRef `json:"k"`
	ChangeNumber *int64       `json:"cn,omitempty"`
}

// SegmentRef names one segment.
type SegmentRef struct {
	Name string `json:"n"`
}

// Names returns the segment names in order.
func (s SegmentsChange) Names() []string {
	names := make([]string, 0, len(s.Segments))
	for _, seg := range s.Segments {
		names = append(names, seg.Name)
	}
	return names
}

// ChangeNumberOr returns the reported change number or fallback when absent.
func (s SegmentsChange) ChangeNumberOr(fallback int64) int64 {
	if s.ChangeNumber == nil {
		return fallback
	}
	return *s.ChangeNumber
}

// NewSegmentsChange builds a change from names.
func NewSegmentsChange(names []string, cn int64) SegmentsChange {
	refs := make([]SegmentRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, SegmentRef{Name: n})
	}
	return SegmentsChange{Segments: refs, ChangeNumber: &cn}
}
