package model

import (
	"errors"
	"fmt"
	"strings"
)

// MaxStars is the highest allowed rating.
const MaxStars = 5

var (
	// ErrInvalidStars is returned when a rating is outside 0..MaxStars.
	ErrInvalidStars = errors.New("stars out of range")
	// ErrInvalidColorTag is returned for an unknown color tag.
	ErrInvalidColorTag = errors.New("invalid color tag")
	// ErrInvalidUpdate is returned for an update with an unknown field.
	ErrInvalidUpdate = errors.New("invalid metadata update")
)

// ColorTag is an optional color label on a tile.
type ColorTag uint8

const (
	ColorNone ColorTag = iota
	ColorRed
	ColorOrange
	ColorYellow
	ColorGreen
	ColorBlue
	ColorPurple
	ColorGray
)

var colorNames = [...]string{
	ColorNone:   "none",
	ColorRed:    "red",
	ColorOrange: "orange",
	ColorYellow: "yellow",
	ColorGreen:  "green",
	ColorBlue:   "blue",
	ColorPurple: "purple",
	ColorGray:   "gray",
}

func (c ColorTag) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return fmt.Sprintf("ColorTag(%d)", uint8(c))
}

// Valid reports whether c is a known color tag.
func (c ColorTag) Valid() bool { return int(c) < len(colorNames) }

// ParseColorTag parses a color name. The empty string maps to ColorNone.
func ParseColorTag(s string) (ColorTag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ColorNone, nil
	}
	for i, name := range colorNames {
		if name == s {
			return ColorTag(i), nil
		}
	}
	return ColorNone, fmt.Errorf("%w: %q", ErrInvalidColorTag, s)
}

// Metadata is the user-editable state of a tile.
type Metadata struct {
	Stars uint8
	Color ColorTag
	// Note is empty when absent.
	Note string
}

// HasNote reports whether a note is set.
func (m Metadata) HasNote() bool { return m.Note != "" }

// MetadataField selects which field a MetadataUpdate changes.
type MetadataField uint8

const (
	FieldStars MetadataField = iota + 1
	FieldColor
	FieldNote
	FieldClearNote
)

func (f MetadataField) String() string {
	switch f {
	case FieldStars:
		return "stars"
	case FieldColor:
		return "color"
	case FieldNote:
		return "note"
	case FieldClearNote:
		return "clear_note"
	default:
		return fmt.Sprintf("MetadataField(%d)", uint8(f))
	}
}

// MetadataUpdate is a single change to one metadata field.
type MetadataUpdate struct {
	Field MetadataField
	Stars uint8
	Color ColorTag
	Note  string
}

// SetStars returns an update setting the rating.
func SetStars(n uint8) MetadataUpdate { return MetadataUpdate{Field: FieldStars, Stars: n} }

// SetColor returns an update setting the color tag.
func SetColor(c ColorTag) MetadataUpdate { return MetadataUpdate{Field: FieldColor, Color: c} }

// SetNote returns an update setting the note. An empty note clears it.
func SetNote(note string) MetadataUpdate { return MetadataUpdate{Field: FieldNote, Note: note} }

// ClearNote returns an update removing the note.
func ClearNote() MetadataUpdate { return MetadataUpdate{Field: FieldClearNote} }

// Apply returns m with the update applied. m itself is not modified.
func (u MetadataUpdate) Apply(m Metadata) (Metadata, error) {
	switch u.Field {
	case FieldStars:
		if u.Stars > MaxStars {
			return m, fmt.Errorf("%w: %d", ErrInvalidStars, u.Stars)
		}
		m.Stars = u.Stars
	case FieldColor:
		if !u.Color.Valid() {
			return m, fmt.Errorf("%w: %d", ErrInvalidColorTag, u.Color)
		}
		m.Color = u.Color
	case FieldNote:
		m.Note = u.Note
	case FieldClearNote:
		m.Note = ""
	default:
		return m, fmt.Errorf("%w: field %s", ErrInvalidUpdate, u.Field)
	}
	return m, nil
}
