package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointValid(t *testing.T) {
	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"taipei", Point{Lat: 25.033, Lng: 121.565}, true},
		{"origin", Point{}, true},
		{"lat out of range", Point{Lat: 91, Lng: 0}, false},
		{"lng out of range", Point{Lat: 0, Lng: -181}, false},
		{"nan", Point{Lat: math.NaN(), Lng: 0}, false},
		{"inf", Point{Lat: 0, Lng: math.Inf(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Valid())
		})
	}
}
