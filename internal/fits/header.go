// Package fits reads the handful of primary-header keys the pipeline needs to
// classify a batch of frames.
package fits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
)

var (
	ErrEmptyBatch             = errors.New("fits: no readable frames in batch")
	ErrUnidentifiedInstrument = errors.New("fits: cannot identify telescope/instrument; extend the instrument key list")
	ErrUnidentifiedFilter     = errors.New("fits: cannot identify filter; extend the filter key list")
)

// Keys lists candidate header keys in priority order. For each frame the
// first key present wins.
type Keys struct {
	Instrument []string `json:"instrument"`
	Filter     []string `json:"filter"`
}

// DefaultKeys covers the instruments in the builtin registry.
func DefaultKeys() Keys {
	return Keys{
		Instrument: []string{"INSTRUME", "TELESCOP", "LCAMMOD"},
		Filter:     []string{"FILTER", "FILTER1", "FILTNAME", "FILTERS"},
	}
}

// Header exposes primary header values by key.
type Header interface {
	Value(key string) (string, bool)
}

// OpenFunc opens a frame and returns its primary header.
type OpenFunc func(path string) (Header, error)

// DroppedFrame records a frame removed from the batch because it could not be read.
type DroppedFrame struct {
	Path string
	Err  error
}

// Inspection is the result of reading a batch. Instruments and Filters are
// aligned with Frames; a frame lacking a key carries an empty tag.
type Inspection struct {
	Frames      []string
	Instruments []string
	Filters     []string
	Dropped     []DroppedFrame
}

// Inspector extracts instrument and filter tags from frame headers.
type Inspector struct {
	keys Keys
	open OpenFunc
	log  *slog.Logger
}

// NewInspector returns an Inspector reading FITS files from disk.
func NewInspector(keys Keys, logger *slog.Logger) *Inspector {
	return NewInspectorWithOpener(keys, OpenFile, logger)
}

// NewInspectorWithOpener allows substituting the header source.
func NewInspectorWithOpener(keys Keys, open OpenFunc, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{keys: keys, open: open, log: logger}
}

// Inspect reads every frame's header. Unreadable frames are logged and
// dropped; the rest of the batch continues.
func (in *Inspector) Inspect(ctx context.Context, frames []string) (Inspection, error) {
	var res Inspection
	var sawInstrument, sawFilter bool

	for _, path := range frames {
		if err := ctx.Err(); err != nil {
			return Inspection{}, err
		}
		hdr, err := in.open(path)
		if err != nil {
			in.log.Error("cannot open file", "file", path, "error", err)
			res.Dropped = append(res.Dropped, DroppedFrame{Path: path, Err: err})
			continue
		}
		inst := firstValue(hdr, in.keys.Instrument)
		filt := firstValue(hdr, in.keys.Filter)
		sawInstrument = sawInstrument || inst != ""
		sawFilter = sawFilter || filt != ""

		res.Frames = append(res.Frames, path)
		res.Instruments = append(res.Instruments, inst)
		res.Filters = append(res.Filters, filt)
	}

	if len(res.Frames) == 0 {
		return res, ErrEmptyBatch
	}
	if !sawInstrument {
		return res, fmt.Errorf("%w (tried %s)", ErrUnidentifiedInstrument, strings.Join(in.keys.Instrument, ", "))
	}
	if !sawFilter {
		return res, fmt.Errorf("%w (tried %s)", ErrUnidentifiedFilter, strings.Join(in.keys.Filter, ", "))
	}
	return res, nil
}

func firstValue(hdr Header, keys []string) string {
	for _, key := range keys {
		if v, ok := hdr.Value(key); ok {
			return v
		}
	}
	return ""
}

type fileHeader map[string]string

func (h fileHeader) Value(key string) (string, bool) {
	v, ok := h[strings.ToUpper(key)]
	return v, ok
}

// OpenFile reads the primary header of a FITS file.
func OpenFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ff, err := fitsio.Open(f)
	if err != nil {
		return nil, fmt.Errorf("fits: decode %s: %w", path, err)
	}
	defer ff.Close()

	hdus := ff.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("fits: %s has no HDU", path)
	}
	hdr := hdus[0].Header()
	out := make(fileHeader, len(hdr.Keys()))
	for _, key := range hdr.Keys() {
		card := hdr.Get(key)
		if card == nil || card.Value == nil {
			continue
		}
		out[strings.ToUpper(key)] = strings.TrimSpace(fmt.Sprint(card.Value))
	}
	return out, nil
}
