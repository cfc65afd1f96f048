package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"photopipe/internal/fits"
	"photopipe/internal/instrument"
)

// ErrHeterogeneousBatch matches any HeterogeneousBatchError.
var ErrHeterogeneousBatch = errors.New("heterogeneous batch")

// TaggedFrame pairs a frame with the header tag read from it.
type TaggedFrame struct {
	Frame string `json:"frame"`
	Tag   string `json:"tag"`
}

// HeterogeneousBatchError reports a batch mixing instruments or filters.
type HeterogeneousBatchError struct {
	Kind   string // "instrument" or "filter"
	Tags   []string
	Frames []TaggedFrame
}

func (e *HeterogeneousBatchError) Error() string {
	quoted := make([]string, len(e.Tags))
	for i, t := range e.Tags {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return fmt.Sprintf("multiple %ss used in dataset: %s", e.Kind, strings.Join(quoted, ", "))
}

func (e *HeterogeneousBatchError) Is(target error) bool {
	return target == ErrHeterogeneousBatch
}

// ProfileLookup resolves header instrument tags. *instrument.Registry
// satisfies it.
type ProfileLookup interface {
	Lookup(tag string) (instrument.Profile, error)
}

// Batch is a validated, homogeneous set of frames.
type Batch struct {
	Frames        FrameSet
	InstrumentTag string
	FilterTag     string
	Profile       instrument.Profile
	Filter        instrument.Filter
}

// ValidateBatch checks that every frame shares one instrument and one filter
// tag, then resolves the profile and canonical filter. Instruments are checked
// and resolved before filters are looked at.
func ValidateBatch(insp fits.Inspection, lookup ProfileLookup, logger *slog.Logger) (Batch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(insp.Frames) == 0 {
		return Batch{}, fits.ErrEmptyBatch
	}
	if len(insp.Instruments) != len(insp.Frames) || len(insp.Filters) != len(insp.Frames) {
		return Batch{}, fmt.Errorf("pipeline: inspection misaligned: %d frames, %d instrument tags, %d filter tags",
			len(insp.Frames), len(insp.Instruments), len(insp.Filters))
	}

	if err := homogeneous("instrument", insp.Frames, insp.Instruments, logger); err != nil {
		return Batch{}, err
	}
	profile, err := lookup.Lookup(insp.Instruments[0])
	if err != nil {
		return Batch{}, err
	}
	logger.Info("frames identified", "count", len(insp.Frames), "instrument", profile.Name)

	if err := homogeneous("filter", insp.Frames, insp.Filters, logger); err != nil {
		return Batch{}, err
	}
	filter, err := profile.TranslateFilter(insp.Filters[0])
	if err != nil {
		return Batch{}, err
	}
	logger.Info("frames identified", "count", len(insp.Frames), "filter", filter.String())

	return Batch{
		Frames:        FrameSet(insp.Frames).Clone(),
		InstrumentTag: insp.Instruments[0],
		FilterTag:     insp.Filters[0],
		Profile:       profile,
		Filter:        filter,
	}, nil
}

func homogeneous(kind string, frames, tags []string, logger *slog.Logger) error {
	seen := make(map[string]struct{})
	for _, t := range tags {
		seen[t] = struct{}{}
	}
	if len(seen) <= 1 {
		return nil
	}
	distinct := make([]string, 0, len(seen))
	for t := range seen {
		distinct = append(distinct, t)
	}
	sort.Strings(distinct)

	herr := &HeterogeneousBatchError{Kind: kind, Tags: distinct}
	logger.Error("multiple "+kind+"s used in dataset", "tags", distinct)
	for i, f := range frames {
		logger.Error("frame "+kind, "file", f, kind, tags[i])
		herr.Frames = append(herr.Frames, TaggedFrame{Frame: f, Tag: tags[i]})
	}
	return herr
}
