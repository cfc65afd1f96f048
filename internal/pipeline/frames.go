package pipeline

// FrameSet is an ordered batch of frame paths. Stages only ever shrink it.
type FrameSet []string

// Subset returns the members of fs that also appear in keep, in fs order.
// Entries of keep that are not in fs are ignored, so the result never grows.
func (fs FrameSet) Subset(keep []string) FrameSet {
	want := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		want[k] = struct{}{}
	}
	out := make(FrameSet, 0, len(keep))
	for _, f := range fs {
		if _, ok := want[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns an independent copy.
func (fs FrameSet) Clone() FrameSet {
	if fs == nil {
		return nil
	}
	return append(FrameSet(nil), fs...)
}
