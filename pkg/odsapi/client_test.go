package odsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchOrganisations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/organisations", r.URL.Path)
		assert.Equal(t, "EXAMPLE NHS TRUST", r.URL.Query().Get("Name"))
		assert.Equal(t, "Active", r.URL.Query().Get("Status"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Organisations":[
			{"Name":"EXAMPLE NHS TRUST","OrgId":"RXX","Status":"Active","PrimaryRoleId":"RO197","PostCode":"LS1 1UR"},
			{"Name":"EXAMPLE ICB","OrgId":"QXX","Status":"Active","PrimaryRoleId":"RO318","PostCode":"LS2 2AB"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	orgs, err := c.SearchOrganisations(context.Background(), "EXAMPLE NHS TRUST")
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "RXX", orgs[0].OrgID)
	assert.Equal(t, RoleTrust, orgs[0].PrimaryRoleID)
	assert.Equal(t, RoleICB, orgs[1].PrimaryRoleID)
}

func TestSearchOrganisations_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	orgs, err := c.SearchOrganisations(context.Background(), "NOWHERE")
	require.NoError(t, err)
	assert.Nil(t, orgs)
}

func TestGetOrganisation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/organisations/RXX", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Organisation":{
			"Name":"EXAMPLE NHS TRUST",
			"OrgId":{"extension":"RXX"},
			"Status":"Active",
			"GeoLoc":{"Location":{"PostCode":"LS1 1UR"}},
			"Roles":{"Role":[{"id":"RO197","primaryRole":true},{"id":"RO24","primaryRole":false}]}
		}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	org, err := c.GetOrganisation(context.Background(), "RXX")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "RXX", org.OrgID)
	assert.Equal(t, RoleTrust, org.PrimaryRoleID)
	assert.Equal(t, "LS1 1UR", org.PostCode)
}

func TestGetOrganisation_Missing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	org, err := c.GetOrganisation(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, org)
}
