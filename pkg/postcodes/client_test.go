package postcodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/postcodes/LS1%201UR", r.URL.EscapedPath())
		w.Write([]byte(`{"status":200,"result":{
			"postcode":"LS1 1UR","latitude":53.796,"longitude":-1.547,
			"region":"Yorkshire and The Humber","country":"England",
			"admin_district":"Leeds","codes":{"admin_district":"E08000035"}
		}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	res, err := c.Lookup(context.Background(), "LS1 1UR")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.InDelta(t, 53.796, res.Latitude, 1e-9)
	assert.Equal(t, "England", res.Country)
	assert.Equal(t, "E08000035", res.Codes.AdminDistrict)
}

func TestLookup_Unknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	res, err := c.Lookup(context.Background(), "ZZ99 9ZZ")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestBulkLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/postcodes", r.URL.Path)

		var req map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req["postcodes"], 2)

		w.Write([]byte(`{"status":200,"result":[
			{"query":"LS1 1UR","result":{"postcode":"LS1 1UR","latitude":53.796,"longitude":-1.547,"country":"England"}},
			{"query":"ZZ99 9ZZ","result":null}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	res, err := c.BulkLookup(context.Background(), []string{"LS1 1UR", "ZZ99 9ZZ"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res, "LS1 1UR")
	assert.NotContains(t, res, "ZZ99 9ZZ")
}

func TestBulkLookup_OverLimit(t *testing.T) {
	c := NewClient()
	batch := make([]string, BulkLimit+1)
	for i := range batch {
		batch[i] = "LS1 1UR"
	}
	_, err := c.BulkLookup(context.Background(), batch)
	require.Error(t, err)
}

func TestBulkLookup_Empty(t *testing.T) {
	c := NewClient()
	res, err := c.BulkLookup(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}
