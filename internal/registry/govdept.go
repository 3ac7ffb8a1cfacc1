package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/pkg/govuk"
)

// maxDeptCandidates bounds the similarity-ranked slice handed to the
// resolver.
const maxDeptCandidates = 5

// Departments searches the GOV.UK organisation directory. The directory has
// no search endpoint, only a paged index, so the full index is fetched once
// and matched in memory.
type Departments struct {
	gov govuk.Client

	mu    sync.Mutex
	index []govuk.Organisation
}

// NewDepartments wraps a GOV.UK client.
func NewDepartments(gov govuk.Client) *Departments {
	return &Departments{gov: gov}
}

// Search implements resolver.Registry.
func (d *Departments) Search(ctx context.Context, name string) ([]resolver.Candidate, error) {
	index, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	key := resolver.NameKey(name)

	type scored struct {
		org govuk.Organisation
		sim float64
	}
	ranked := make([]scored, 0, len(index))
	for _, org := range index {
		ranked = append(ranked, scored{org: org, sim: levenshtein.Similarity(key, resolver.NameKey(org.Title), nil)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	n := len(ranked)
	if n > maxDeptCandidates {
		n = maxDeptCandidates
	}
	out := make([]resolver.Candidate, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, candidateFromGovOrg(s.org))
	}
	return out, nil
}

func (d *Departments) load(ctx context.Context) ([]govuk.Organisation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.index != nil {
		return d.index, nil
	}

	orgs, err := d.gov.ListOrganisations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load gov.uk index")
	}
	d.index = orgs
	return d.index, nil
}

func candidateFromGovOrg(org govuk.Organisation) resolver.Candidate {
	return resolver.Candidate{
		Entity: model.Entity{
			EntityType: model.TypeGovDepartment,
			RegistryID: org.Details.Slug,
			Name:       org.Title,
			Status:     org.Details.GovukStatus,
		},
		Detail: &model.EntityDetail{Department: &model.GovernmentDepartment{
			Slug:         org.Details.Slug,
			Abbreviation: org.Details.Abbreviation,
			Format:       org.Format,
		}},
	}
}
