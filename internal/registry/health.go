// Package registry adapts the external directory clients to the resolver's
// Registry contract, mapping each directory's records into candidate
// entities with their type-detail rows.
package registry

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/pkg/odsapi"
)

// Health searches the NHS ODS directory for trusts, ICBs and GP practices.
type Health struct {
	ods odsapi.Client
}

// NewHealth wraps an ODS client.
func NewHealth(ods odsapi.Client) *Health {
	return &Health{ods: ods}
}

// Search implements resolver.Registry.
func (h *Health) Search(ctx context.Context, name string) ([]resolver.Candidate, error) {
	orgs, err := h.ods.SearchOrganisations(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: ods search %q", name)
	}

	out := make([]resolver.Candidate, 0, len(orgs))
	for _, org := range orgs {
		t, ok := healthType(org.PrimaryRoleID)
		if !ok {
			continue
		}
		out = append(out, resolver.Candidate{
			Entity: model.Entity{
				EntityType: t,
				RegistryID: org.OrgID,
				Name:       org.Name,
				Status:     strings.ToLower(org.Status),
				Postcode:   org.PostCode,
			},
			Detail: &model.EntityDetail{HealthOrg: &model.HealthOrganisation{
				ODSCode:    org.OrgID,
				OrgSubType: org.PrimaryRoleID,
			}},
		})
	}
	return out, nil
}

// healthType maps an ODS primary role id to a concrete entity type. Roles
// outside the three we ingest are dropped rather than mislabelled.
func healthType(roleID string) (model.EntityType, bool) {
	switch roleID {
	case odsapi.RoleTrust:
		return model.TypeHealthTrust, true
	case odsapi.RoleICB:
		return model.TypeHealthICB, true
	case odsapi.RoleGP:
		return model.TypeHealthGP, true
	default:
		return "", false
	}
}
