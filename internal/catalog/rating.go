package catalog

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxStars is the highest rating shown to users.
	MaxStars = 5.0
	// MaxRating is the highest stored rating value.
	MaxRating Rating = 10
)

// ErrInvalidRating indicates a rating outside 0..5 or off the half-star grid.
var ErrInvalidRating = errors.New("catalog: invalid rating")

// Rating is a tea rating stored doubled: 0..10 maps to 0..5 stars in half-star steps.
type Rating int

// RatingFromStars converts a user-facing half-star value into its stored form.
func RatingFromStars(stars float64) (Rating, error) {
	if math.IsNaN(stars) || stars < 0 || stars > MaxStars {
		return 0, fmt.Errorf("%w: %v stars", ErrInvalidRating, stars)
	}
	doubled := stars * 2
	if doubled != math.Trunc(doubled) {
		return 0, fmt.Errorf("%w: %v is not a half-star value", ErrInvalidRating, stars)
	}
	return Rating(doubled), nil
}

// NewRating validates a stored rating value.
func NewRating(value int) (Rating, error) {
	if value < 0 || Rating(value) > MaxRating {
		return 0, fmt.Errorf("%w: stored value %d", ErrInvalidRating, value)
	}
	return Rating(value), nil
}

// Stars returns the user-facing value.
func (r Rating) Stars() float64 {
	return float64(r) / 2
}

// Valid reports whether the stored value is within range.
func (r Rating) Valid() bool {
	return r >= 0 && r <= MaxRating
}
