package main

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// loadCenter reads a GeoJSON feature, feature collection or bare geometry
// and returns the center of its bound.
func loadCenter(path string) (orb.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orb.Point{}, fmt.Errorf("unable to read file: %w", err)
	}

	var collection orb.Collection
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, f := range fc.Features {
			collection = append(collection, f.Geometry)
		}
	} else if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		collection = append(collection, f.Geometry)
	} else if g, err := geojson.UnmarshalGeometry(data); err == nil && g.Geometry() != nil {
		collection = append(collection, g.Geometry())
	} else {
		return orb.Point{}, fmt.Errorf("%s holds no geojson geometry", path)
	}
	return collection.Bound().Center(), nil
}
