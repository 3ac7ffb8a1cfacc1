package geography

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
)

// Centroid is a boundary centroid in WGS84.
type Centroid struct {
	Lat float64
	Lon float64
}

// LoadCentroids reads a boundary shapefile and returns area centroids keyed
// by the given code attribute (e.g. a GSS code column). Used as a coordinate
// fallback for councils whose registered postcode cannot be geocoded.
func LoadCentroids(shpPath, codeField string) (map[string]Centroid, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "geography: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	codeIdx := -1
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, codeField) {
			codeIdx = i
			break
		}
	}
	if codeIdx < 0 {
		return nil, eris.Errorf("geography: shapefile %s has no %q field", shpPath, codeField)
	}

	out := make(map[string]Centroid)
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		code := strings.TrimSpace(strings.TrimRight(reader.Attribute(codeIdx), "\x00"))
		if code == "" {
			skipped++
			continue
		}

		c, err := shapeCentroid(shape)
		if err != nil {
			skipped++
			continue
		}
		out[code] = c
	}

	if skipped > 0 {
		zap.L().Debug("geography: skipped boundary records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped))
	}
	return out, nil
}

// shapeCentroid computes the area centroid of a polygon shape, falling back
// to the bounding-box center for non-polygon geometry.
func shapeCentroid(shape shp.Shape) (Centroid, error) {
	if shape == nil {
		return Centroid{}, eris.New("geography: nil shape")
	}

	if p, ok := shape.(*shp.Polygon); ok {
		g, err := polygonToGeom(p)
		if err == nil {
			if c, err := xy.Centroid(g); err == nil {
				return Centroid{Lat: c.Y(), Lon: c.X()}, nil
			}
		}
	}

	box := shape.BBox()
	return Centroid{
		Lat: (box.MinY + box.MaxY) / 2,
		Lon: (box.MinX + box.MaxX) / 2,
	}, nil
}

// polygonToGeom converts a shapefile polygon to a geom.Polygon, treating
// each part as a ring of the same polygon.
func polygonToGeom(p *shp.Polygon) (*geom.Polygon, error) {
	if len(p.Points) == 0 {
		return nil, eris.New("geography: empty polygon")
	}

	poly := geom.NewPolygon(geom.XY)
	numParts := len(p.Parts)
	for i := 0; i < numParts; i++ {
		start := int(p.Parts[i])
		end := len(p.Points)
		if i+1 < numParts {
			end = int(p.Parts[i+1])
		}
		if end <= start {
			continue
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)
		if err := poly.Push(ring); err != nil {
			return nil, eris.Wrap(err, "geography: build polygon ring")
		}
	}
	if poly.NumLinearRings() == 0 {
		return nil, eris.New("geography: polygon has no rings")
	}
	return poly, nil
}
