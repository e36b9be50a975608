package valueobjects

import (
	"fmt"
	"math"
	"unicode/utf8"

	"mindmap-history/domain/config"
	pkgerrors "mindmap-history/pkg/errors"
)

// ContentKind is the variant tag of a node's payload
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindMarkdown ContentKind = "markdown"
	KindImage    ContentKind = "image"
	KindLink     ContentKind = "link"
	KindTask     ContentKind = "task"
)

// IsValid reports whether the kind is one the canvas knows how to render
func (k ContentKind) IsValid() bool {
	switch k {
	case KindText, KindMarkdown, KindImage, KindLink, KindTask:
		return true
	default:
		return false
	}
}

// ParseContentKind converts a raw string into a ContentKind
func ParseContentKind(s string) (ContentKind, error) {
	k := ContentKind(s)
	if !k.IsValid() {
		return "", pkgerrors.NewValidationError(fmt.Sprintf("unknown content kind %q", s))
	}
	return k, nil
}

// ValidateContent checks a node body against the configured length limit
func ValidateContent(body string, cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if utf8.RuneCountInString(body) > cfg.MaxContentLength {
		return fmt.Errorf("content exceeds maximum length of %d characters", cfg.MaxContentLength)
	}
	return nil
}

// Position is a 2D canvas coordinate
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPosition creates a position, rejecting NaN and infinities
func NewPosition(x, y float64) (Position, error) {
	if !finite(x) || !finite(y) {
		return Position{}, pkgerrors.NewValidationError("position coordinates must be finite")
	}
	return Position{X: x, Y: y}, nil
}

// Size is the rendered box of a node
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewSize creates a size; zero means "auto" and negative values are rejected
func NewSize(width, height float64) (Size, error) {
	if !finite(width) || !finite(height) || width < 0 || height < 0 {
		return Size{}, pkgerrors.NewValidationError("size must be finite and non-negative")
	}
	return Size{Width: width, Height: height}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
