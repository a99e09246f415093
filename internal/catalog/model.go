package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNotesLength bounds the free text attached to a tea.
const MaxNotesLength = 3000

var (
	// ErrInvalidRecord indicates a record that fails local validation before upload.
	ErrInvalidRecord = errors.New("catalog: invalid record")
	// ErrUnresolvedReference indicates a record referencing another record that is still offline.
	ErrUnresolvedReference = errors.New("catalog: unresolved offline reference")
)

// Record is implemented by every cached entity.
type Record[T any] interface {
	// EntityID returns the record identifier.
	EntityID() ID
	// WithID returns a copy of the record carrying id.
	WithID(id ID) T
	// Outbound returns the representation sent to the server on create.
	Outbound() (T, error)
}

// Brewing holds steeping parameters. Durations use the API "HH:MM:SS" form.
type Brewing struct {
	Temperature int     `json:"temperature,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Volume      int     `json:"volume,omitempty"`
	Initial     string  `json:"initial,omitempty"`
	Increments  string  `json:"increments,omitempty"`
}

// SteepFor returns the steep time of the given infusion (1-based).
func (b Brewing) SteepFor(infusion int) (time.Duration, error) {
	initial, err := ParseSteep(b.Initial)
	if err != nil {
		return 0, err
	}
	if infusion <= 1 {
		return initial, nil
	}
	increments, err := ParseSteep(b.Increments)
	if err != nil {
		return 0, err
	}
	return initial + increments*time.Duration(infusion-1), nil
}

// Origin locates a tea, subcategory or vendor.
type Origin struct {
	Country   string   `json:"country"`
	Region    string   `json:"region,omitempty"`
	Locality  string   `json:"locality,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Name renders the origin as "locality, region, country" with missing parts skipped.
func (o Origin) Name() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{o.Locality, o.Region, o.Country} {
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ", ")
}

// Category is a read-only reference entity served by the API.
type Category struct {
	ID                ID       `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	DescriptionSource string   `json:"description_source,omitempty"`
	GongfuBrewing     *Brewing `json:"gongfu_brewing,omitempty"`
	WesternBrewing    *Brewing `json:"western_brewing,omitempty"`
}

func (c Category) EntityID() ID { return c.ID }

func (c Category) WithID(id ID) Category {
	c.ID = id
	return c
}

func (c Category) Outbound() (Category, error) {
	return Category{}, fmt.Errorf("%w: categories are read-only", ErrInvalidRecord)
}

// Subcategory refines a category. Users may type new ones while offline.
type Subcategory struct {
	ID                ID       `json:"id"`
	Name              string   `json:"name"`
	TranslatedName    string   `json:"translated_name,omitempty"`
	Category          int64    `json:"category,omitempty"`
	Description       string   `json:"description,omitempty"`
	DescriptionSource string   `json:"description_source,omitempty"`
	Origin            *Origin  `json:"origin,omitempty"`
	GongfuBrewing     *Brewing `json:"gongfu_brewing,omitempty"`
	WesternBrewing    *Brewing `json:"western_brewing,omitempty"`
}

func (s Subcategory) EntityID() ID { return s.ID }

func (s Subcategory) WithID(id ID) Subcategory {
	s.ID = id
	return s
}

func (s Subcategory) Outbound() (Subcategory, error) {
	if strings.TrimSpace(s.Name) == "" {
		return Subcategory{}, fmt.Errorf("%w: subcategory name required", ErrInvalidRecord)
	}
	s.ID = ID{}
	return s, nil
}

// DisplayName renders "name (translated name)" when a translation exists.
func (s Subcategory) DisplayName() string {
	if s.TranslatedName != "" {
		return s.Name + " (" + s.TranslatedName + ")"
	}
	return s.Name
}

// Vendor sells teas. Users may type new ones while offline.
type Vendor struct {
	ID         ID      `json:"id"`
	Name       string  `json:"name"`
	Website    string  `json:"website,omitempty"`
	Origin     *Origin `json:"origin,omitempty"`
	Popularity int     `json:"popularity,omitempty"`
}

func (v Vendor) EntityID() ID { return v.ID }

func (v Vendor) WithID(id ID) Vendor {
	v.ID = id
	return v
}

func (v Vendor) Outbound() (Vendor, error) {
	if strings.TrimSpace(v.Name) == "" {
		return Vendor{}, fmt.Errorf("%w: vendor name required", ErrInvalidRecord)
	}
	v.ID = ID{}
	return v, nil
}

// Tea is a tea instance owned by the user.
type Tea struct {
	ID              ID           `json:"id"`
	Name            string       `json:"name"`
	Category        int64        `json:"category"`
	Subcategory     *Subcategory `json:"subcategory,omitempty"`
	Vendor          *Vendor      `json:"vendor,omitempty"`
	Origin          *Origin      `json:"origin,omitempty"`
	Year            *int         `json:"year,omitempty"`
	GongfuBrewing   *Brewing     `json:"gongfu_brewing,omitempty"`
	WesternBrewing  *Brewing     `json:"western_brewing,omitempty"`
	GongfuPreferred bool         `json:"gongfu_preferred"`
	WeightLeft      float64      `json:"weight_left"`
	WeightConsumed  float64      `json:"weight_consumed"`
	Price           float64      `json:"price"`
	Rating          Rating       `json:"rating"`
	Notes           string       `json:"notes"`
	IsArchived      bool         `json:"is_archived"`
	Image           string       `json:"image,omitempty"`
	CreatedOn       time.Time    `json:"created_on,omitzero"`
}

func (t Tea) EntityID() ID { return t.ID }

func (t Tea) WithID(id ID) Tea {
	t.ID = id
	return t
}

// Outbound strips client identifiers: nested ad hoc subcategories and vendors
// are matched by name on the server.
func (t Tea) Outbound() (Tea, error) {
	if err := t.Validate(); err != nil {
		return Tea{}, err
	}
	t.ID = ID{}
	if t.Subcategory != nil && t.Subcategory.ID.IsOffline() {
		subcategory := *t.Subcategory
		subcategory.ID = ID{}
		t.Subcategory = &subcategory
	}
	if t.Vendor != nil && t.Vendor.ID.IsOffline() {
		vendor := *t.Vendor
		vendor.ID = ID{}
		t.Vendor = &vendor
	}
	return t, nil
}

// Validate applies the local field rules.
func (t Tea) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: tea name required", ErrInvalidRecord)
	}
	if t.Category <= 0 {
		return fmt.Errorf("%w: tea category required", ErrInvalidRecord)
	}
	if !t.Rating.Valid() {
		return fmt.Errorf("%w: rating %d", ErrInvalidRating, t.Rating)
	}
	if utf8.RuneCountInString(t.Notes) > MaxNotesLength {
		return fmt.Errorf("%w: notes exceed %d characters", ErrInvalidRecord, MaxNotesLength)
	}
	return nil
}

// Session is a brewing session, optionally linked to a tea.
type Session struct {
	ID              ID         `json:"id"`
	Tea             *ID        `json:"tea"`
	Brewing         Brewing    `json:"brewing"`
	CurrentInfusion int        `json:"current_infusion"`
	IsCompleted     bool       `json:"is_completed"`
	CreatedOn       time.Time  `json:"created_on,omitzero"`
	LastBrewedOn    *time.Time `json:"last_brewed_on,omitempty"`
}

func (s Session) EntityID() ID { return s.ID }

func (s Session) WithID(id ID) Session {
	s.ID = id
	return s
}

// Outbound refuses to upload a session whose tea has not been uploaded yet.
func (s Session) Outbound() (Session, error) {
	if s.CurrentInfusion < 0 {
		return Session{}, fmt.Errorf("%w: negative infusion", ErrInvalidRecord)
	}
	if s.Tea != nil && s.Tea.IsOffline() {
		return Session{}, fmt.Errorf("%w: tea %s", ErrUnresolvedReference, s.Tea)
	}
	s.ID = ID{}
	return s, nil
}

// Relink points the session at a promoted tea.
func (s Session) Relink(from, to ID) (Session, bool) {
	if s.Tea == nil || *s.Tea != from {
		return s, false
	}
	target := to
	s.Tea = &target
	return s, true
}

// RelinkSubcategory points the embedded subcategory at a promoted id.
func (t Tea) RelinkSubcategory(from, to ID) (Tea, bool) {
	if t.Subcategory == nil || t.Subcategory.ID != from {
		return t, false
	}
	subcategory := *t.Subcategory
	subcategory.ID = to
	t.Subcategory = &subcategory
	return t, true
}

// RelinkVendor points the embedded vendor at a promoted id.
func (t Tea) RelinkVendor(from, to ID) (Tea, bool) {
	if t.Vendor == nil || t.Vendor.ID != from {
		return t, false
	}
	vendor := *t.Vendor
	vendor.ID = to
	t.Vendor = &vendor
	return t, true
}
