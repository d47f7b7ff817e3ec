package arcgis

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// ErrNoGeometry is returned for a geometry with neither rings nor x/y.
var ErrNoGeometry = errors.New("geometry has no rings or point")

// Geometry is an Esri JSON geometry. Only polygons and points are handled.
type Geometry struct {
	Rings [][][]float64 `json:"rings,omitempty"`
	X     *float64      `json:"x,omitempty"`
	Y     *float64      `json:"y,omitempty"`
}

// Orb converts g. Esri polygons list outer rings clockwise and holes
// counter-clockwise; each hole belongs to the outer ring before it.
func (g *Geometry) Orb() (orb.Geometry, error) {
	if g == nil {
		return nil, ErrNoGeometry
	}

	if len(g.Rings) > 0 {
		var polygons orb.MultiPolygon
		for _, coords := range g.Rings {
			ring, err := toRing(coords)
			if err != nil {
				return nil, err
			}
			if ring.Orientation() == orb.CCW && len(polygons) > 0 {
				last := len(polygons) - 1
				polygons[last] = append(polygons[last], ring)
				continue
			}
			polygons = append(polygons, orb.Polygon{ring})
		}
		if len(polygons) == 1 {
			return polygons[0], nil
		}
		return polygons, nil
	}

	if g.X != nil && g.Y != nil {
		return orb.Point{*g.X, *g.Y}, nil
	}

	return nil, ErrNoGeometry
}

// WKT renders g as well-known text.
func (g *Geometry) WKT() (string, error) {
	geom, err := g.Orb()
	if err != nil {
		return "", err
	}
	return wkt.MarshalString(geom), nil
}

func toRing(coords [][]float64) (orb.Ring, error) {
	if len(coords) < 4 {
		return nil, errors.New("ring has fewer than 4 points")
	}
	ring := make(orb.Ring, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, errors.New("ring point has fewer than 2 coordinates")
		}
		ring[i] = orb.Point{c[0], c[1]}
	}
	return ring, nil
}
