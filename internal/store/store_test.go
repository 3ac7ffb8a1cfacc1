package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspend/spend-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStoreSuite(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func mustCreateEntity(t *testing.T, s Store, typ model.EntityType, registryID, name, nameKey string) *model.Entity {
	t.Helper()
	e := &model.Entity{
		EntityType: typ,
		RegistryID: registryID,
		Name:       name,
		NameKey:    nameKey,
	}
	require.NoError(t, s.CreateEntity(context.Background(), e, nil))
	return e
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetEntity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := &model.Entity{
			EntityType: model.TypeCompany,
			RegistryID: "01234567",
			Name:       "Acme Supplies Ltd",
			NameKey:    "ACME SUPPLIES LTD",
			Postcode:   "SW1A 1AA",
		}
		detail := &model.EntityDetail{Company: &model.Company{
			CompanyNumber: "01234567",
			CompanyStatus: "active",
		}}
		require.NoError(t, s.CreateEntity(ctx, e, detail))
		assert.NotZero(t, e.ID)

		got, err := s.GetEntityByRegistryID(ctx, model.TypeCompany, "01234567")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "Acme Supplies Ltd", got.Name)
		assert.True(t, got.TotalSpent.IsZero())
	})

	t.Run("EntityLookupMissing", func(t *testing.T) {
		s := newStore(t)
		got, err := s.GetEntityByRegistryID(context.Background(), model.TypeCompany, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("DuplicateRegistryIDRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustCreateEntity(t, s, model.TypeCouncil, "E07000001", "Testshire", "TESTSHIRE")
		dup := &model.Entity{
			EntityType: model.TypeCouncil,
			RegistryID: "E07000001",
			Name:       "Testshire Council",
			NameKey:    "TESTSHIRE COUNCIL",
		}
		require.Error(t, s.CreateEntity(ctx, dup, nil))
	})

	t.Run("NameKeyLookupSkipsPlaceholders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustCreateEntity(t, s, model.TypeHealthTrust, model.PlaceholderPrefix+"abc123",
			"Mercy Trust", "MERCY TRUST")

		got, err := s.GetEntityByNameKey(ctx, model.TypeHealthTrust, "MERCY TRUST")
		require.NoError(t, err)
		assert.Nil(t, got, "placeholder entity must not be matched by name")

		real := mustCreateEntity(t, s, model.TypeHealthTrust, "RXX", "Mercy Trust", "MERCY TRUST")
		got, err = s.GetEntityByNameKey(ctx, model.TypeHealthTrust, "MERCY TRUST")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, real.ID, got.ID)
	})

	t.Run("ListEntityNamesExcludesPlaceholders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustCreateEntity(t, s, model.TypeCompany, "11111111", "Alpha Ltd", "ALPHA LTD")
		mustCreateEntity(t, s, model.TypeCompany, model.PlaceholderPrefix+"x", "Beta Ltd", "BETA LTD")
		mustCreateEntity(t, s, model.TypeCouncil, "E07000002", "Gamma", "GAMMA")

		names, err := s.ListEntityNames(ctx, model.TypeCompany)
		require.NoError(t, err)
		require.Len(t, names, 1)
		assert.Equal(t, "ALPHA LTD", names[0].NameKey)
	})

	t.Run("EntityLocation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// No postcode, so nothing needs geocoding yet.
		mustCreateEntity(t, s, model.TypeCouncil, "E07000003", "Delta", "DELTA")
		pending, err := s.EntitiesNeedingLocation(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		withPostcode := &model.Entity{
			EntityType: model.TypeCouncil,
			RegistryID: "E07000004",
			Name:       "Epsilon",
			NameKey:    "EPSILON",
			Postcode:   "LS1 1UR",
		}
		require.NoError(t, s.CreateEntity(ctx, withPostcode, nil))

		pending, err = s.EntitiesNeedingLocation(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, withPostcode.ID, pending[0].ID)

		require.NoError(t, s.UpdateEntityLocation(ctx, withPostcode.ID, 53.79, -1.54, "Yorkshire", "England"))

		pending, err = s.EntitiesNeedingLocation(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		got, err := s.GetEntityByRegistryID(ctx, model.TypeCouncil, "E07000004")
		require.NoError(t, err)
		require.NotNil(t, got.Latitude)
		assert.InDelta(t, 53.79, *got.Latitude, 1e-9)
		assert.Equal(t, "Yorkshire", got.Region)
	})

	t.Run("BuyerLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		b := &model.Buyer{Name: "LEEDS CITY COUNCIL"}
		require.NoError(t, s.CreateBuyer(ctx, b))
		assert.NotZero(t, b.ID)
		assert.Equal(t, model.MatchPending, b.MatchStatus)

		got, err := s.GetBuyerByName(ctx, "LEEDS CITY COUNCIL")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, b.ID, got.ID)
		assert.Nil(t, got.LastMatchAttempt)

		e := mustCreateEntity(t, s, model.TypeCouncil, "E08000035", "Leeds City Council", "LEEDS CITY COUNCIL")
		conf := 1.0
		require.NoError(t, s.UpdateBuyerMatch(ctx, b.ID, model.MatchMatched, &e.ID, &conf))

		got, err = s.GetBuyerByName(ctx, "LEEDS CITY COUNCIL")
		require.NoError(t, err)
		assert.Equal(t, model.MatchMatched, got.MatchStatus)
		require.NotNil(t, got.EntityID)
		assert.Equal(t, e.ID, *got.EntityID)
		require.NotNil(t, got.Confidence)
		assert.InDelta(t, 1.0, *got.Confidence, 1e-9)
		assert.NotNil(t, got.LastMatchAttempt)

		pending, err := s.ListPendingBuyers(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("SupplierPendingInsertIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.InsertSuppliersPending(ctx, []string{"ACME LTD", "BRAVO PLC"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), created)

		created, err = s.InsertSuppliersPending(ctx, []string{"ACME LTD", "CHARLIE LLP"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), created, "only the unseen name is inserted")

		pending, err := s.ListPendingSuppliers(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
	})

	t.Run("SupplierMatchUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.InsertSuppliersPending(ctx, []string{"DELTA LTD"})
		require.NoError(t, err)
		sp, err := s.GetSupplierByName(ctx, "DELTA LTD")
		require.NoError(t, err)
		require.NotNil(t, sp)

		require.NoError(t, s.UpdateSupplierMatch(ctx, sp.ID, model.MatchNoMatch, nil, nil))
		sp, err = s.GetSupplierByName(ctx, "DELTA LTD")
		require.NoError(t, err)
		assert.Equal(t, model.MatchNoMatch, sp.MatchStatus)
		assert.Nil(t, sp.EntityID)
		assert.NotNil(t, sp.LastMatchAttempt)
	})

	t.Run("SpendEntriesIdempotentReimport", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		b := &model.Buyer{Name: "BUYER"}
		require.NoError(t, s.CreateBuyer(ctx, b))

		entries := []model.SpendEntry{
			{
				AssetID: 7, BuyerID: b.ID, BuyerName: "BUYER", SupplierName: "ACME LTD",
				Amount: decimal.RequireFromString("100.50"),
				PaymentDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				SheetName:   "March 2024", RowNumber: 2,
			},
			{
				AssetID: 7, BuyerID: b.ID, BuyerName: "BUYER", SupplierName: "ACME LTD",
				Amount: decimal.RequireFromString("-25.00"),
				PaymentDate: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
				SheetName:   "March 2024", RowNumber: 3,
			},
		}
		written, err := s.InsertSpendEntries(ctx, entries)
		require.NoError(t, err)
		assert.Equal(t, int64(2), written)

		// Re-importing the same rows is a no-op.
		written, err = s.InsertSpendEntries(ctx, entries)
		require.NoError(t, err)
		assert.Equal(t, int64(0), written)

		n, err := s.CountSpendForAsset(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		require.NoError(t, s.DeleteSpendForAsset(ctx, 7))
		n, err = s.CountSpendForAsset(ctx, 7)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("RefreshTotalsForAsset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		buyerEntity := mustCreateEntity(t, s, model.TypeCouncil, "E08000001", "Buyer Council", "BUYER COUNCIL")
		supplierEntity := mustCreateEntity(t, s, model.TypeCompany, "22222222", "Acme Ltd", "ACME LTD")
		untouched := mustCreateEntity(t, s, model.TypeCompany, "33333333", "Idle Ltd", "IDLE LTD")

		b := &model.Buyer{Name: "BUYER COUNCIL", EntityID: &buyerEntity.ID, MatchStatus: model.MatchMatched}
		require.NoError(t, s.CreateBuyer(ctx, b))
		_, err := s.InsertSuppliersPending(ctx, []string{"ACME LTD"})
		require.NoError(t, err)
		sp, err := s.GetSupplierByName(ctx, "ACME LTD")
		require.NoError(t, err)
		conf := 1.0
		require.NoError(t, s.UpdateSupplierMatch(ctx, sp.ID, model.MatchMatched, &supplierEntity.ID, &conf))

		_, err = s.InsertSpendEntries(ctx, []model.SpendEntry{
			{
				AssetID: 9, BuyerID: b.ID, SupplierID: &sp.ID,
				BuyerName: "BUYER COUNCIL", SupplierName: "ACME LTD",
				Amount:      decimal.RequireFromString("150.25"),
				PaymentDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
				SheetName:   "April 2024", RowNumber: 2,
			},
			{
				AssetID: 9, BuyerID: b.ID, SupplierID: &sp.ID,
				BuyerName: "BUYER COUNCIL", SupplierName: "ACME LTD",
				Amount:      decimal.RequireFromString("49.75"),
				PaymentDate: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC),
				SheetName:   "April 2024", RowNumber: 3,
			},
		})
		require.NoError(t, err)

		refreshed, err := s.RefreshTotalsForAsset(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, int64(2), refreshed)

		gotBuyer, err := s.GetEntityByRegistryID(ctx, model.TypeCouncil, "E08000001")
		require.NoError(t, err)
		assert.True(t, gotBuyer.TotalSpent.Equal(decimal.RequireFromString("200")),
			"total_spent = %s", gotBuyer.TotalSpent)
		assert.True(t, gotBuyer.TotalReceived.IsZero())

		gotSupplier, err := s.GetEntityByRegistryID(ctx, model.TypeCompany, "22222222")
		require.NoError(t, err)
		assert.True(t, gotSupplier.TotalReceived.Equal(decimal.RequireFromString("200")),
			"total_received = %s", gotSupplier.TotalReceived)

		gotIdle, err := s.GetEntityByRegistryID(ctx, model.TypeCompany, "33333333")
		require.NoError(t, err)
		assert.True(t, gotIdle.TotalSpent.IsZero())
		_ = untouched
	})

	t.Run("TruncateSource", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustCreateEntity(t, s, model.TypeHealthTrust, "RXX1", "Trust", "TRUST")
		keep := mustCreateEntity(t, s, model.TypeCompany, "44444444", "Keep Ltd", "KEEP LTD")
		b := &model.Buyer{Name: "TRUST"}
		require.NoError(t, s.CreateBuyer(ctx, b))

		require.NoError(t, s.TruncateSource(ctx, model.SourceHealth))

		gone, err := s.GetEntityByRegistryID(ctx, model.TypeHealthTrust, "RXX1")
		require.NoError(t, err)
		assert.Nil(t, gone)

		kept, err := s.GetEntityByRegistryID(ctx, model.TypeCompany, "44444444")
		require.NoError(t, err)
		require.NotNil(t, kept)
		assert.Equal(t, keep.ID, kept.ID)

		buyer, err := s.GetBuyerByName(ctx, "TRUST")
		require.NoError(t, err)
		assert.Nil(t, buyer)
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.Run{
			AssetID:    42,
			SourceKind: model.SourceCouncil,
			FromStage:  "import",
			ToStage:    "enrich",
			Params:     map[string]any{"truncate": true},
		}
		require.NoError(t, s.CreateRun(ctx, run))
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, model.RunQueued, run.Status)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.SourceCouncil, got.SourceKind)
		assert.Equal(t, true, got.Params["truncate"])
		assert.Nil(t, got.StartedAt)

		require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunRunning, ""))
		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
		assert.Nil(t, got.FinishedAt)

		require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunSucceeded, ""))
		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunSucceeded, got.Status)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("ListRunsFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r1 := &model.Run{AssetID: 1, SourceKind: model.SourceHealth}
		r2 := &model.Run{AssetID: 2, SourceKind: model.SourceCouncil}
		require.NoError(t, s.CreateRun(ctx, r1))
		require.NoError(t, s.CreateRun(ctx, r2))
		require.NoError(t, s.UpdateRunStatus(ctx, r2.ID, model.RunRunning, ""))

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		running, err := s.ListRuns(ctx, RunFilter{Status: model.RunRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, r2.ID, running[0].ID)

		byAsset, err := s.ListRuns(ctx, RunFilter{AssetID: 1})
		require.NoError(t, err)
		require.Len(t, byAsset, 1)
		assert.Equal(t, r1.ID, byAsset[0].ID)
	})

	t.Run("DeleteRunRefusesWhileRunning", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.Run{AssetID: 5, SourceKind: model.SourceHealth}
		require.NoError(t, s.CreateRun(ctx, run))
		require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunRunning, ""))

		err := s.DeleteRun(ctx, run.ID)
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrRunActive))
	})

	t.Run("DeleteRunCascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.Run{AssetID: 11, SourceKind: model.SourceCouncil}
		require.NoError(t, s.CreateRun(ctx, run))
		require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunRunning, ""))
		require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunSucceeded, ""))

		b := &model.Buyer{Name: "B11"}
		require.NoError(t, s.CreateBuyer(ctx, b))
		_, err := s.InsertSpendEntries(ctx, []model.SpendEntry{{
			AssetID: 11, BuyerID: b.ID, BuyerName: "B11", SupplierName: "S",
			Amount:      decimal.RequireFromString("1"),
			PaymentDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			SheetName:   "s1", RowNumber: 2,
		}})
		require.NoError(t, err)
		_, err = s.InsertSkippedRows(ctx, []model.SkippedRow{{
			RunID: run.ID, AssetID: 11, SheetName: "s1", RowNumber: 3,
			Reason: model.SkipInvalidAmount,
		}})
		require.NoError(t, err)

		require.NoError(t, s.DeleteRun(ctx, run.ID))

		n, err := s.CountSpendForAsset(ctx, 11)
		require.NoError(t, err)
		assert.Zero(t, n)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunDeleted, got.Status)
	})

	t.Run("RunStages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.Run{AssetID: 3, SourceKind: model.SourceHealth}
		require.NoError(t, s.CreateRun(ctx, run))

		st, err := s.CreateRunStage(ctx, run.ID, "import")
		require.NoError(t, err)
		assert.Equal(t, model.StageQueued, st.Status)

		require.NoError(t, s.CompleteRunStage(ctx, st.ID, model.StageSucceeded,
			map[string]any{"rowsImported": 120}, ""))

		stages, err := s.ListRunStages(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, stages, 1)
		assert.Equal(t, model.StageSucceeded, stages[0].Status)
		assert.EqualValues(t, 120, stages[0].Metrics["rowsImported"])
		assert.NotNil(t, stages[0].FinishedAt)
	})

	t.Run("RunLogsPaging", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.Run{AssetID: 4, SourceKind: model.SourceCentral}
		require.NoError(t, s.CreateRun(ctx, run))

		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendRunLog(ctx, &model.RunLog{
				RunID: run.ID, Stage: "import", Level: model.LogInfo,
				Message: "sheet processed",
				Fields:  map[string]any{"sheet": i},
			}))
		}

		first, err := s.ListRunLogs(ctx, run.ID, 0, 3)
		require.NoError(t, err)
		require.Len(t, first, 3)
		assert.Equal(t, "sheet processed", first[0].Message)

		rest, err := s.ListRunLogs(ctx, run.ID, first[2].ID, 0)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})

	t.Run("AuditTrail", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		runID := "run-1"
		require.NoError(t, s.AppendAudit(ctx, &model.AuditLog{
			TableName: "suppliers",
			RecordID:  1,
			Action:    model.AuditUpdate,
			Before:    map[string]any{"match_status": "pending"},
			After:     map[string]any{"match_status": "matched"},
			Actor:     model.RunActor(runID, "match"),
			RunID:     &runID,
			Stage:     "match",
		}))
	})

	t.Run("InTxRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		boom := eris.New("boom")
		err := s.InTx(ctx, func(tx Store) error {
			b := &model.Buyer{Name: "TX BUYER"}
			if err := tx.CreateBuyer(ctx, b); err != nil {
				return err
			}
			return boom
		})
		require.Error(t, err)

		got, err := s.GetBuyerByName(ctx, "TX BUYER")
		require.NoError(t, err)
		assert.Nil(t, got, "insert must be rolled back")
	})

	t.Run("InTxCommits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.InTx(ctx, func(tx Store) error {
			e := &model.Entity{
				EntityType: model.TypeGovDepartment,
				RegistryID: "cabinet-office",
				Name:       "Cabinet Office",
				NameKey:    "CABINET OFFICE",
			}
			detail := &model.EntityDetail{Department: &model.GovernmentDepartment{
				Slug: "cabinet-office", Abbreviation: "CO",
			}}
			if err := tx.CreateEntity(ctx, e, detail); err != nil {
				return err
			}
			// Nested InTx reuses the open transaction.
			return tx.InTx(ctx, func(inner Store) error {
				b := &model.Buyer{Name: "CABINET OFFICE", EntityID: &e.ID, MatchStatus: model.MatchMatched}
				return inner.CreateBuyer(ctx, b)
			})
		})
		require.NoError(t, err)

		got, err := s.GetEntityByRegistryID(ctx, model.TypeGovDepartment, "cabinet-office")
		require.NoError(t, err)
		require.NotNil(t, got)

		buyer, err := s.GetBuyerByName(ctx, "CABINET OFFICE")
		require.NoError(t, err)
		require.NotNil(t, buyer)
	})
}
