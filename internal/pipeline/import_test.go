package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
)

var healthHeader = []string{"Trust Name", "Date", "Supplier", "Amount"}

func trustCandidate(name, code string) resolver.Candidate {
	return resolver.Candidate{
		Entity: model.Entity{EntityType: model.TypeHealthTrust, RegistryID: code, Name: name},
		Detail: &model.EntityDetail{HealthOrg: &model.HealthOrganisation{ODSCode: code}},
	}
}

func TestImportStage_EndToEnd(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{{
		name: "March 2023",
		rows: [][]string{
			healthHeader,
			{"Example NHS Trust", "31/03/2023", "Acme Ltd", "£1,000.00"},
		},
	}})

	reg := &fakeRegistry{candidates: map[string][]resolver.Candidate{
		"Example NHS Trust": {trustCandidate("EXAMPLE NHS TRUST", "RXX01")},
	}}
	res := resolver.New(resolver.WithRegistry(model.TypeHealthTrust, reg))
	stage := NewImportStage(st, &fakeDownloader{data: data}, res)

	in := healthImportInput(t, st, 42)
	result, err := stage.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, model.StageSucceeded, result.Status)

	assert.Equal(t, 1, result.Metrics["sheetsProcessed"])
	assert.Equal(t, 1, result.Metrics["organisationsDiscovered"])
	assert.Equal(t, 1, result.Metrics["suppliersDiscovered"])
	assert.Equal(t, 1, result.Metrics["suppliersCreated"])
	assert.Equal(t, 1, result.Metrics["rowsImported"])
	assert.Equal(t, 0, result.Metrics["rowsSkipped"])

	ctx := context.Background()

	e, err := st.GetEntityByRegistryID(ctx, model.TypeHealthTrust, "RXX01")
	require.NoError(t, err)
	require.NotNil(t, e)

	b, err := st.GetBuyerByName(ctx, "Example NHS Trust")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, model.MatchMatched, b.MatchStatus)
	require.NotNil(t, b.EntityID)
	assert.Equal(t, e.ID, *b.EntityID)

	sup, err := st.GetSupplierByName(ctx, "Acme Ltd")
	require.NoError(t, err)
	require.NotNil(t, sup)
	assert.Equal(t, model.MatchPending, sup.MatchStatus)

	count, err := st.CountSpendForAsset(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestImportStage_NoRegistryStillImports(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{{
		name: "March 2023",
		rows: [][]string{
			healthHeader,
			{"Example NHS Trust", "31/03/2023", "Acme Ltd", "£1,000.00"},
		},
	}})

	stage := NewImportStage(st, &fakeDownloader{data: data}, resolver.New())

	in := healthImportInput(t, st, 42)
	result, err := stage.Execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metrics["rowsImported"])
	assert.Equal(t, 0, result.Metrics["rowsSkipped"])

	b, err := st.GetBuyerByName(context.Background(), "Example NHS Trust")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, model.MatchNoMatch, b.MatchStatus)
	assert.Nil(t, b.EntityID)
}

func TestImportStage_WrongHeaderFailsWithZeroWrites(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{{
		name: "March 2023",
		rows: [][]string{
			{"Council", "Date", "Supplier", "Amount"},
			{"Leeds City Council", "31/03/2023", "Acme Ltd", "£1,000.00"},
		},
	}})

	stage := NewImportStage(st, &fakeDownloader{data: data}, resolver.New())

	in := healthImportInput(t, st, 42)
	_, err := stage.Execute(context.Background(), in)
	require.Error(t, err)

	count, err := st.CountSpendForAsset(context.Background(), 42)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	b, err := st.GetBuyerByName(context.Background(), "Leeds City Council")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestImportStage_ReimportIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{{
		name: "March 2023",
		rows: [][]string{
			healthHeader,
			{"Example NHS Trust", "31/03/2023", "Acme Ltd", "£1,000.00"},
			{"Example NHS Trust", "01/04/2023", "Beta Ltd", "250.00"},
		},
	}})

	stage := NewImportStage(st, &fakeDownloader{data: data}, resolver.New())

	first := healthImportInput(t, st, 42)
	r1, err := stage.Execute(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 2, r1.Metrics["rowsImported"])

	second := healthImportInput(t, st, 42)
	r2, err := stage.Execute(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 0, r2.Metrics["rowsImported"])
	assert.Equal(t, 0, r2.Metrics["suppliersCreated"])

	count, err := st.CountSpendForAsset(context.Background(), 42)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestImportStage_SkipReasons(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{{
		name: "March 2023",
		rows: [][]string{
			healthHeader,
			{"", "31/03/2023", "Acme Ltd", "10.00"},
			{"12345", "31/03/2023", "Acme Ltd", "10.00"},
			{"Example NHS Trust", "31/03/2023", "Acme Ltd", "not money"},
			{"Example NHS Trust", "soon", "Acme Ltd", "10.00"},
			{"Example NHS Trust", "31/03/2023", "Acme Ltd", "99999999999999.00"},
			{"Example NHS Trust", "30/03/2023", "", "15.00"},
			{"", "", "", ""},
		},
	}})

	stage := NewImportStage(st, &fakeDownloader{data: data}, resolver.New())

	in := healthImportInput(t, st, 42)
	result, err := stage.Execute(context.Background(), in)
	require.NoError(t, err)

	// The supplier-less row still imports with a null supplier id.
	assert.Equal(t, 1, result.Metrics["rowsImported"])
	assert.Equal(t, 5, result.Metrics["rowsSkipped"])
}

func TestImportStage_MetadataSheetCreatesPlaceholders(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{
		{
			name: "Trusts",
			rows: [][]string{
				{"Trust Name", "ODS Code", "Postcode"},
				{"Example NHS Trust", "RXX01", "LS1 3EX"},
				{"Another Trust", "", "M1 1AA"},
			},
		},
		{
			name: "March 2023",
			rows: [][]string{
				healthHeader,
				{"Example NHS Trust", "31/03/2023", "Acme Ltd", "10.00"},
			},
		},
	})

	stage := NewImportStage(st, &fakeDownloader{data: data}, resolver.New())

	in := healthImportInput(t, st, 42)
	result, err := stage.Execute(context.Background(), in)
	require.NoError(t, err)

	// One discovered buyer plus two metadata organisations.
	assert.Equal(t, 3, result.Metrics["organisationsDiscovered"])

	ctx := context.Background()
	coded, err := st.GetEntityByRegistryID(ctx, model.TypeHealthTrust, "RXX01")
	require.NoError(t, err)
	require.NotNil(t, coded)
	assert.Equal(t, "LS1 3EX", coded.Postcode)

	// The codeless organisation got a synthesized placeholder id.
	names, err := st.ListEntityNames(ctx, model.TypeHealthTrust)
	require.NoError(t, err)
	assert.Len(t, names, 1) // placeholders are excluded from name lookup

	// The buyer resolves against the metadata entity without any network.
	b, err := st.GetBuyerByName(ctx, "Example NHS Trust")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, model.MatchMatched, b.MatchStatus)
	require.NotNil(t, b.EntityID)
	assert.Equal(t, coded.ID, *b.EntityID)
}

func TestImportStage_DryRunMakesNoWrites(t *testing.T) {
	st := newTestStore(t)
	data := workbookBytes(t, []namedSheet{{
		name: "March 2023",
		rows: [][]string{
			healthHeader,
			{"Example NHS Trust", "31/03/2023", "Acme Ltd", "£1,000.00"},
		},
	}})

	stage := NewImportStage(st, &fakeDownloader{data: data}, resolver.New())

	in := healthImportInput(t, st, 42)
	in.Run.DryRun = true
	result, err := stage.Execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metrics["organisationsDiscovered"])
	assert.Equal(t, 1, result.Metrics["suppliersDiscovered"])
	assert.Equal(t, 0, result.Metrics["rowsImported"])

	count, err := st.CountSpendForAsset(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, count)

	sup, err := st.GetSupplierByName(context.Background(), "Acme Ltd")
	require.NoError(t, err)
	assert.Nil(t, sup)
}

func TestImportStage_TruncateClearsPriorData(t *testing.T) {
	st := newTestStore(t)
	build := func(supplier string) []byte {
		return workbookBytes(t, []namedSheet{{
			name: "March 2023",
			rows: [][]string{
				healthHeader,
				{"Example NHS Trust", "31/03/2023", supplier, "10.00"},
			},
		}})
	}

	dl := &fakeDownloader{data: build("Acme Ltd")}
	stage := NewImportStage(st, dl, resolver.New())

	first := healthImportInput(t, st, 42)
	_, err := stage.Execute(context.Background(), first)
	require.NoError(t, err)

	dl.data = build("Beta Ltd")
	second := healthImportInput(t, st, 42)
	second.Truncate = true
	result, err := stage.Execute(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Metrics["rowsImported"])

	count, err := st.CountSpendForAsset(context.Background(), 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestImportStage_AssetKeyFromParams(t *testing.T) {
	run := &model.Run{AssetID: 7}
	assert.Equal(t, "uploads/7.xlsx", assetKey(run))

	run.Params = map[string]any{"asset_key": "uploads/custom.xlsx"}
	assert.Equal(t, "uploads/custom.xlsx", assetKey(run))
}

func TestImportStage_ValidateRejectsBadInput(t *testing.T) {
	stage := NewImportStage(newTestStore(t), &fakeDownloader{}, resolver.New())

	src, err := SourceFor(model.SourceHealth)
	require.NoError(t, err)

	assert.Error(t, stage.Validate(&Input{Run: &model.Run{AssetID: 0}, Source: src}))
	assert.Error(t, stage.Validate(&Input{Run: &model.Run{AssetID: 1}}))
	assert.NoError(t, stage.Validate(&Input{Run: &model.Run{AssetID: 1}, Source: src}))
}
