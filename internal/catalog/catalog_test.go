package catalog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRatingRoundTripsEveryHalfStar(t *testing.T) {
	for step := 0; step <= 10; step++ {
		stars := float64(step) / 2
		rating, err := RatingFromStars(stars)
		if err != nil {
			t.Fatalf("unexpected error for %v stars: %v", stars, err)
		}
		if int(rating) != step {
			t.Fatalf("expected stored value %d for %v stars, got %d", step, stars, rating)
		}
		if rating.Stars() != stars {
			t.Fatalf("expected %v stars back, got %v", stars, rating.Stars())
		}
	}
}

func TestRatingRejectsOffGridValues(t *testing.T) {
	for _, stars := range []float64{-0.5, 0.25, 4.75, 5.5} {
		if _, err := RatingFromStars(stars); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("expected invalid rating for %v, got %v", stars, err)
		}
	}
}

func TestParseIDDistinguishesNamespaces(t *testing.T) {
	server, err := ParseID("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !server.IsServer() || server.IsOffline() || server.Server() != 42 {
		t.Fatalf("expected server id 42, got %#v", server)
	}

	offline, err := ParseID("off-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !offline.IsOffline() || offline.IsServer() {
		t.Fatalf("expected offline id, got %#v", offline)
	}

	for _, raw := range []string{"", "-3", "0", "off-", "abc"} {
		if _, err := ParseID(raw); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("expected invalid id for %q, got %v", raw, err)
		}
	}
}

func TestIDJSONEncoding(t *testing.T) {
	tests := []struct {
		name     string
		id       ID
		expected string
	}{
		{name: "server", id: mustID(t, "7"), expected: `7`},
		{name: "offline", id: mustID(t, "off-abc"), expected: `"off-abc"`},
		{name: "zero", id: ID{}, expected: `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := json.Marshal(tt.id)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(encoded) != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, encoded)
			}
			var decoded ID
			if err := json.Unmarshal(encoded, &decoded); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if decoded != tt.id {
				t.Fatalf("expected %#v, got %#v", tt.id, decoded)
			}
		})
	}
}

func TestKindsAreFullyMapped(t *testing.T) {
	seenKeys := map[string]Kind{}
	for _, kind := range Kinds {
		if !kind.Valid() {
			t.Fatalf("kind %d should be valid", kind)
		}
		if kind.Endpoint() == "" || kind.SnapshotKey() == "" {
			t.Fatalf("kind %s is missing endpoint or snapshot key", kind)
		}
		parsed, err := ParseKind(kind.String())
		if err != nil || parsed != kind {
			t.Fatalf("kind %s does not round trip: %v", kind, err)
		}
		if previous, exists := seenKeys[kind.SnapshotKey()]; exists {
			t.Fatalf("snapshot key %s shared by %s and %s", kind.SnapshotKey(), previous, kind)
		}
		seenKeys[kind.SnapshotKey()] = kind
	}
	if KindCategory.SupportsOffline() {
		t.Fatalf("categories must not be created offline")
	}
	if KindTea.QueueKey() != "offline-tea" {
		t.Fatalf("unexpected queue key %s", KindTea.QueueKey())
	}
}

func TestParseSteep(t *testing.T) {
	tests := map[string]time.Duration{
		"00:00:20":    20 * time.Second,
		"00:02:00":    2 * time.Minute,
		"1 01:00:05":  25*time.Hour + 5*time.Second,
		"45":          45 * time.Second,
		"00:00:07.50": 7 * time.Second,
	}
	for raw, expected := range tests {
		parsed, err := ParseSteep(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if parsed != expected {
			t.Fatalf("expected %v for %q, got %v", expected, raw, parsed)
		}
	}
	if FormatSteep(90*time.Second) != "00:01:30" {
		t.Fatalf("unexpected format %s", FormatSteep(90*time.Second))
	}
}

func TestTeaOutboundStripsOfflineReferences(t *testing.T) {
	tea := Tea{
		ID:          mustID(t, "off-1"),
		Name:        "Dragonwell",
		Category:    1,
		Subcategory: &Subcategory{ID: mustID(t, "off-2"), Name: "Longjing"},
		Vendor:      &Vendor{ID: mustID(t, "9"), Name: "Known"},
	}
	outbound, err := tea.Outbound()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outbound.ID.IsZero() || !outbound.Subcategory.ID.IsZero() {
		t.Fatalf("expected offline ids to be stripped: %#v", outbound)
	}
	if outbound.Vendor.ID.Server() != 9 {
		t.Fatalf("expected server vendor id to be kept")
	}
	if !tea.Subcategory.ID.IsOffline() {
		t.Fatalf("outbound must not mutate the original record")
	}

	tea.Notes = strings.Repeat("a", MaxNotesLength+1)
	if _, err := tea.Outbound(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected notes length validation, got %v", err)
	}
}

func TestSessionOutboundRequiresUploadedTea(t *testing.T) {
	teaID := mustID(t, "off-3")
	session := Session{ID: mustID(t, "off-4"), Tea: &teaID}
	if _, err := session.Outbound(); !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("expected unresolved reference, got %v", err)
	}
	relinked, changed := session.Relink(teaID, mustID(t, "12"))
	if !changed {
		t.Fatalf("expected relink to apply")
	}
	outbound, err := relinked.Outbound()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outbound.Tea.Server() != 12 {
		t.Fatalf("expected tea 12, got %s", outbound.Tea)
	}
}

func TestTeaRelinksNestedReferences(t *testing.T) {
	offlineVendor := mustID(t, "off-5")
	tea := Tea{Name: "Jingmai", Category: 2, Vendor: &Vendor{ID: offlineVendor, Name: "Farmer Leaf"}}

	relinked, changed := tea.RelinkVendor(offlineVendor, mustID(t, "31"))
	if !changed || relinked.Vendor.ID.Server() != 31 {
		t.Fatalf("expected vendor relinked, got %#v", relinked.Vendor)
	}
	if !tea.Vendor.ID.IsOffline() {
		t.Fatalf("relink must not mutate the original record")
	}
	if _, changed := tea.RelinkSubcategory(offlineVendor, mustID(t, "31")); changed {
		t.Fatalf("tea without subcategory must not change")
	}
}

func TestBrewingSteepFor(t *testing.T) {
	brewing := Brewing{Initial: "00:00:20", Increments: "00:00:05"}
	steep, err := brewing.SteepFor(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if steep != 30*time.Second {
		t.Fatalf("expected 30s, got %v", steep)
	}
}

func mustID(t *testing.T, value string) ID {
	t.Helper()
	id, err := ParseID(value)
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	return id
}
