package registry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/pkg/companieshouse"
)

// maxCompanyCandidates bounds how many search hits are offered to the
// resolver; Companies House ranks by relevance so the head of the list is
// what matters.
const maxCompanyCandidates = 5

// Companies searches the national company registry.
type Companies struct {
	ch companieshouse.Client
}

// NewCompanies wraps a Companies House client.
func NewCompanies(ch companieshouse.Client) *Companies {
	return &Companies{ch: ch}
}

// Search implements resolver.Registry. The top hit is enriched with its full
// profile (SIC codes, previous names); profile failures degrade to the
// search-result fields rather than failing the lookup.
func (c *Companies) Search(ctx context.Context, name string) ([]resolver.Candidate, error) {
	results, err := c.ch.SearchCompanies(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: companies search %q", name)
	}
	if len(results) > maxCompanyCandidates {
		results = results[:maxCompanyCandidates]
	}

	out := make([]resolver.Candidate, 0, len(results))
	for i, r := range results {
		cand := resolver.Candidate{
			Entity: model.Entity{
				EntityType: model.TypeCompany,
				RegistryID: r.CompanyNumber,
				Name:       r.Title,
				Status:     r.CompanyStatus,
				Street:     r.Address.AddressLine1,
				Locality:   r.Address.Locality,
				Postcode:   r.Address.PostalCode,
				Region:     r.Address.Region,
				Country:    r.Address.Country,
			},
			Detail: &model.EntityDetail{Company: &model.Company{
				CompanyNumber: r.CompanyNumber,
				CompanyStatus: r.CompanyStatus,
				CompanyType:   r.CompanyType,
			}},
		}

		if i == 0 {
			if profile, perr := c.ch.GetCompanyProfile(ctx, r.CompanyNumber); perr != nil {
				zap.L().Warn("registry: company profile fetch failed",
					zap.String("number", r.CompanyNumber), zap.Error(perr))
			} else if profile != nil {
				cand.Detail.Company.SICCodes = profile.SICCodesJoined()
				cand.Detail.Company.PreviousNames = profile.PreviousNamesJoined()
			}
		}

		out = append(out, cand)
	}
	return out, nil
}
