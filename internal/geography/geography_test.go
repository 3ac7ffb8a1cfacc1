package geography

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspend/spend-cli/internal/model"
)

const registerCSV = `gss_code,name,tier,parent_gss,postcode
E08000035,Leeds City Council,metropolitan district,,LS1 1UR
E07000001,Testshire District Council,district,E10000001,
E10000001,Testshire County Council,county,,
`

func loadTestRegister(t *testing.T) *Register {
	t.Helper()
	r, err := ParseRegister([]byte(registerCSV))
	require.NoError(t, err)
	return r
}

func TestParseRegister(t *testing.T) {
	r := loadTestRegister(t)
	assert.Equal(t, 3, r.Len())

	e, d, ok := r.ByCode("E08000035")
	require.True(t, ok)
	assert.Equal(t, model.TypeCouncil, e.EntityType)
	assert.Equal(t, "Leeds City Council", e.Name)
	assert.Equal(t, "LS1 1UR", e.Postcode)
	require.NotNil(t, d.Council)
	assert.Equal(t, "metropolitan district", d.Council.Tier)

	_, _, ok = r.ByCode("E99999999")
	assert.False(t, ok)
}

func TestLoadRegisterFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "register.csv")
	require.NoError(t, os.WriteFile(path, []byte(registerCSV), 0o644))

	r, err := LoadRegister(path)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
}

func TestRegisterSearch_ExactKey(t *testing.T) {
	r := loadTestRegister(t)

	got, err := r.Search(context.Background(), "LEEDS CITY COUNCIL")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E08000035", got[0].Entity.RegistryID)
	require.NotNil(t, got[0].Detail.Council)
	assert.Equal(t, "E08000035", got[0].Detail.Council.GSSCode)
}

func TestRegisterSearch_BestSimilarity(t *testing.T) {
	r := loadTestRegister(t)

	got, err := r.Search(context.Background(), "Testshire District Counci")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E07000001", got[0].Entity.RegistryID)
}

func TestShapeCentroid_Polygon(t *testing.T) {
	// Unit square centered on (0.5, 0.5).
	poly := &shp.Polygon{
		Parts: []int32{0},
		Points: []shp.Point{
			{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: 0},
		},
	}
	c, err := shapeCentroid(poly)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.Lon, 1e-9)
	assert.InDelta(t, 0.5, c.Lat, 1e-9)
}

func TestShapeCentroid_NilShape(t *testing.T) {
	_, err := shapeCentroid(nil)
	require.Error(t, err)
}
