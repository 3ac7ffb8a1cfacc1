// Package geography resolves UK local authorities from the administrative
// geography register. The register is file-backed (a CSV snapshot of the
// GSS code list) and is the primary source for council resolution; boundary
// shapefiles provide centroid coordinates where postcode geocoding cannot.
package geography

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"

	"github.com/agext/levenshtein"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
)

// registerRow is one CSV record of the council register.
type registerRow struct {
	GSSCode   string `csv:"gss_code"`
	Name      string `csv:"name"`
	Tier      string `csv:"tier"`
	ParentGSS string `csv:"parent_gss,omitempty"`
	Postcode  string `csv:"postcode,omitempty"`
}

// Register is the in-memory council register, searchable by name and by GSS
// code. It implements the resolver's Registry contract so councils resolve
// without any network call.
type Register struct {
	rows   []registerRow
	byCode map[string]int
	byKey  map[string]int
}

// LoadRegister reads a register CSV from disk.
func LoadRegister(path string) (*Register, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geography: read register %s", path)
	}
	return ParseRegister(data)
}

// ParseRegister parses register CSV bytes.
func ParseRegister(data []byte) (*Register, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, eris.Wrap(err, "geography: read register header")
	}

	var rows []registerRow
	if err := dec.Decode(&rows); err != nil {
		return nil, eris.Wrap(err, "geography: decode register")
	}

	r := &Register{
		rows:   rows,
		byCode: make(map[string]int, len(rows)),
		byKey:  make(map[string]int, len(rows)),
	}
	for i, row := range rows {
		r.byCode[row.GSSCode] = i
		r.byKey[resolver.NameKey(row.Name)] = i
	}
	return r, nil
}

// Len reports the number of register entries.
func (r *Register) Len() int {
	return len(r.rows)
}

// ByCode looks up a council by GSS code.
func (r *Register) ByCode(code string) (model.Entity, *model.EntityDetail, bool) {
	i, ok := r.byCode[code]
	if !ok {
		return model.Entity{}, nil, false
	}
	e, d := r.candidate(i)
	return e, d, true
}

// Search implements resolver.Registry: exact key match first, then a
// best-similarity scan. The resolver applies its own thresholds to whatever
// is returned.
func (r *Register) Search(_ context.Context, name string) ([]resolver.Candidate, error) {
	key := resolver.NameKey(name)

	if i, ok := r.byKey[key]; ok {
		e, d := r.candidate(i)
		return []resolver.Candidate{{Entity: e, Detail: d}}, nil
	}

	best := -1
	bestSim := 0.0
	for i, row := range r.rows {
		if sim := levenshtein.Similarity(key, resolver.NameKey(row.Name), nil); sim > bestSim {
			bestSim = sim
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}
	e, d := r.candidate(best)
	return []resolver.Candidate{{Entity: e, Detail: d}}, nil
}

func (r *Register) candidate(i int) (model.Entity, *model.EntityDetail) {
	row := r.rows[i]
	e := model.Entity{
		EntityType: model.TypeCouncil,
		RegistryID: row.GSSCode,
		Name:       row.Name,
		Postcode:   row.Postcode,
	}
	d := &model.EntityDetail{Council: &model.Council{
		GSSCode:   row.GSSCode,
		Tier:      row.Tier,
		ParentGSS: row.ParentGSS,
	}}
	return e, d
}
