// Package mask implements the interactive mask editor used to mark the region
// of an image that should be repainted. A Session owns the base image, a binary
// mask raster of the same size (white = repaint, black = keep), a composite
// canvas for display, and a snapshot-based undo history.
//
// A Session is meant to be driven from a single goroutine, the same way a
// pointer-event loop would drive it.
package mask

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/sdstudio/sdclient/pkg/errors"
)

// Mode selects how a stroke is turned into mask content.
type Mode int

const (
	// ModeRectangle fills the axis-aligned rectangle spanned by a stroke.
	ModeRectangle Mode = iota
	// ModeFreeform paints the stroke path and fills its closed outline.
	ModeFreeform
)

func (m Mode) String() string {
	switch m {
	case ModeRectangle:
		return "rectangle"
	case ModeFreeform:
		return "freeform"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rectangle", "rect":
		return ModeRectangle, nil
	case "freeform", "free":
		return ModeFreeform, nil
	default:
		return 0, fmt.Errorf("unknown draw mode %q", s)
	}
}

var (
	// ErrNotReady is returned by every operation on a session without an image.
	ErrNotReady = errors.New("mask: image not loaded")
	// ErrNothingToUndo is returned by Undo when the history is empty.
	ErrNothingToUndo = errors.New("mask: nothing to undo")
	// ErrDrawingDisabled is returned when a stroke starts while an expansion ratio is set.
	ErrDrawingDisabled = errors.New("mask: drawing is disabled while expansion is set")
	// ErrInvalidExpansion is returned for negative expansion ratios.
	ErrInvalidExpansion = errors.New("mask: expansion ratio must be non-negative")
	// ErrInvalidDisplay is returned when touch scaling gets a non-positive display height.
	ErrInvalidDisplay = errors.New("mask: display height must be positive")
)

var (
	included = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	excluded = color.NRGBA{A: 255}
)

// overlayOpacity is the mask opacity used when compositing the canvas.
const overlayOpacity = 0.5

// Session is one mask editing session over a single base image.
type Session struct {
	base   *image.NRGBA
	mask   *image.NRGBA
	canvas *image.NRGBA

	mode      Mode
	expansion float64

	drawing bool
	start   image.Point
	last    image.Point
	path    []image.Point

	undo []*image.NRGBA
}

// NewSession returns an empty session in rectangle mode. Open must be called
// before any drawing operation.
func NewSession() *Session {
	return &Session{mode: ModeRectangle}
}

// Open loads img as the base image, allocates an all-black mask of the same
// size and clears the undo history.
func (s *Session) Open(img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		slog.Error("mask_open_failed", "reason", "empty_image")
		return ErrNotReady
	}

	s.base = imaging.Clone(img)
	b := s.base.Bounds()
	s.mask = imaging.New(b.Dx(), b.Dy(), excluded)
	s.canvas = imaging.Clone(s.base)
	s.undo = nil
	s.drawing = false
	s.path = nil
	s.expansion = 0

	slog.Info("mask_session_open", "width", b.Dx(), "height", b.Dy(), "mode", s.mode.String())
	return nil
}

func (s *Session) ready(op string) error {
	if s.base == nil {
		slog.Error("mask_not_ready", "op", op)
		return ErrNotReady
	}
	return nil
}

// Size returns the raster dimensions of the base image.
func (s *Session) Size() (width, height int, err error) {
	if err := s.ready("size"); err != nil {
		return 0, 0, err
	}
	b := s.base.Bounds()
	return b.Dx(), b.Dy(), nil
}

// Mode returns the current draw mode.
func (s *Session) Mode() Mode { return s.mode }

// SetMode changes the draw mode. Committed mask content is not affected.
func (s *Session) SetMode(m Mode) {
	s.mode = m
	slog.Debug("mask_mode_set", "mode", m.String())
}

// ToggleMode switches between rectangle and freeform.
func (s *Session) ToggleMode() Mode {
	if s.mode == ModeRectangle {
		s.SetMode(ModeFreeform)
	} else {
		s.SetMode(ModeRectangle)
	}
	return s.mode
}

// Expansion returns the current horizontal expansion ratio.
func (s *Session) Expansion() float64 { return s.expansion }

// SetExpansion sets the horizontal expansion ratio applied on export. While
// the ratio is non-zero new strokes are refused.
func (s *Session) SetExpansion(ratio float64) error {
	if ratio < 0 {
		return ErrInvalidExpansion
	}
	s.expansion = ratio
	slog.Debug("mask_expansion_set", "ratio", ratio)
	return nil
}

// BeginStroke starts a stroke at p. The current mask is pushed onto the undo
// history before anything is drawn.
func (s *Session) BeginStroke(p image.Point) error {
	if err := s.ready("begin_stroke"); err != nil {
		return err
	}
	if s.expansion != 0 {
		return ErrDrawingDisabled
	}

	s.undo = append(s.undo, imaging.Clone(s.mask))
	s.drawing = true
	s.start = p
	s.last = p
	if s.mode == ModeFreeform {
		s.path = []image.Point{p}
		setIfInside(s.mask, p, included)
	}

	slog.Debug("mask_stroke_begin", "mode", s.mode.String(), "x", p.X, "y", p.Y, "undo_depth", len(s.undo))
	return nil
}

// ContinueStroke extends the current stroke to p. Rectangle strokes only
// update the preview outline; freeform segments are committed to the mask
// immediately. Without an active stroke it does nothing.
func (s *Session) ContinueStroke(p image.Point) error {
	if err := s.ready("continue_stroke"); err != nil {
		return err
	}
	if !s.drawing {
		return nil
	}

	switch s.mode {
	case ModeRectangle:
		s.canvas = imaging.Clone(s.base)
		strokeRect(s.canvas, s.start, p, included)
	case ModeFreeform:
		drawLine(s.mask, s.last, p, included)
		s.path = append(s.path, p)
		s.composite()
		drawPolyline(s.canvas, s.path, included)
	}
	s.last = p
	return nil
}

// EndStroke finishes the current stroke at p and commits it. Rectangle strokes
// fill the inclusive rectangle between the start point and p; freeform strokes
// close and fill their path. Without an active stroke it does nothing.
func (s *Session) EndStroke(p image.Point) error {
	if err := s.ready("end_stroke"); err != nil {
		return err
	}
	if !s.drawing {
		return nil
	}
	s.drawing = false

	switch s.mode {
	case ModeRectangle:
		r := inclusiveRect(s.start, p).Intersect(s.mask.Bounds())
		if !r.Empty() {
			s.mask = imaging.Paste(s.mask, imaging.New(r.Dx(), r.Dy(), included), r.Min)
		}
	case ModeFreeform:
		if p != s.last {
			drawLine(s.mask, s.last, p, included)
			s.path = append(s.path, p)
		}
		fillPolygon(s.mask, s.path)
		s.path = nil
	}

	s.composite()
	slog.Debug("mask_stroke_end", "mode", s.mode.String(), "x", p.X, "y", p.Y)
	return nil
}

// Undo restores the mask to the state before the most recent stroke.
func (s *Session) Undo() error {
	if err := s.ready("undo"); err != nil {
		return err
	}
	if len(s.undo) == 0 {
		return ErrNothingToUndo
	}

	last := len(s.undo) - 1
	s.mask = s.undo[last]
	s.undo[last] = nil
	s.undo = s.undo[:last]
	s.drawing = false
	s.path = nil
	s.composite()

	slog.Debug("mask_undo", "undo_depth", len(s.undo))
	return nil
}

// UndoDepth returns the number of snapshots in the undo history.
func (s *Session) UndoDepth() int { return len(s.undo) }

// Reset clears the mask to all black, empties the undo history and shows the
// plain base image.
func (s *Session) Reset() error {
	if err := s.ready("reset"); err != nil {
		return err
	}
	b := s.base.Bounds()
	s.mask = imaging.New(b.Dx(), b.Dy(), excluded)
	s.canvas = imaging.Clone(s.base)
	s.undo = nil
	s.drawing = false
	s.path = nil

	slog.Info("mask_reset", "width", b.Dx(), "height", b.Dy())
	return nil
}

// HasMask reports whether any pixel is marked for repainting.
func (s *Session) HasMask() bool {
	if s.mask == nil {
		return false
	}
	for i := 0; i < len(s.mask.Pix); i += 4 {
		if s.mask.Pix[i] >= 128 {
			return true
		}
	}
	return false
}

// Canvas returns the current composite shown to the user. The returned image
// must not be modified.
func (s *Session) Canvas() *image.NRGBA { return s.canvas }

// ExportMask returns the mask to submit. With an expansion ratio r > 0 the
// result is W*(1+2r) wide, white everywhere except the original mask which is
// placed in the horizontal center.
func (s *Session) ExportMask() (*image.NRGBA, error) {
	if err := s.ready("export_mask"); err != nil {
		return nil, err
	}
	if s.expansion == 0 {
		return imaging.Clone(s.mask), nil
	}

	b := s.mask.Bounds()
	width := int(math.Round(float64(b.Dx()) * (1 + 2*s.expansion)))
	out := imaging.New(width, b.Dy(), included)
	offset := (width - b.Dx()) / 2
	return imaging.Paste(out, s.mask, image.Pt(offset, 0)), nil
}

// ExportBaseImage returns a copy of the untouched base image.
func (s *Session) ExportBaseImage() (*image.NRGBA, error) {
	if err := s.ready("export_base_image"); err != nil {
		return nil, err
	}
	return imaging.Clone(s.base), nil
}

// ScaleTouch converts touch coordinates relative to the displayed element into
// raster coordinates. The same factor, rasterHeight/displayHeight, is applied to
// both axes, so displays with a different aspect ratio than the raster are not
// supported.
func (s *Session) ScaleTouch(x, y, displayHeight float64) (image.Point, error) {
	if err := s.ready("scale_touch"); err != nil {
		return image.Point{}, err
	}
	if displayHeight <= 0 {
		return image.Point{}, ErrInvalidDisplay
	}
	scale := float64(s.base.Bounds().Dy()) / displayHeight
	return image.Pt(int(x*scale), int(y*scale)), nil
}

func (s *Session) composite() {
	s.canvas = imaging.Overlay(s.base, s.mask, image.Point{}, overlayOpacity)
}

func inclusiveRect(a, b image.Point) image.Rectangle {
	r := image.Rectangle{Min: a, Max: b}.Canon()
	r.Max = r.Max.Add(image.Pt(1, 1))
	return r
}
