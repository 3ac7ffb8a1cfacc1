package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/internal/store"
)

// Batch flush sizes, bounding memory during the row scan. The enclosing
// transaction keeps partial flushes invisible until commit.
const (
	spendBatchSize = 1000
	skipBatchSize  = 500
)

// Downloader fetches uploaded workbook bytes by object key.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// ImportStage downloads one uploaded workbook, resolves the organisations it
// names and batch-inserts its transaction rows. One stage instance serves
// every source kind; the Input's SourceType descriptor supplies the
// per-kind behaviour.
type ImportStage struct {
	st  store.Store
	dl  Downloader
	res *resolver.Resolver
}

// NewImportStage builds the import stage.
func NewImportStage(st store.Store, dl Downloader, res *resolver.Resolver) *ImportStage {
	return &ImportStage{st: st, dl: dl, res: res}
}

// ID implements Stage.
func (s *ImportStage) ID() string { return StageImport }

// Validate implements Stage, failing before any side effect.
func (s *ImportStage) Validate(in *Input) error {
	if in.Run.AssetID <= 0 {
		return eris.Errorf("pipeline: invalid asset id %d", in.Run.AssetID)
	}
	if in.Source.Kind == "" {
		return eris.New("pipeline: missing source type")
	}
	return nil
}

// Execute implements Stage.
func (s *ImportStage) Execute(ctx context.Context, in *Input) (*Result, error) {
	key := assetKey(in.Run)
	data, err := s.dl.Download(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: download asset %s", key)
	}

	wb, err := parseWorkbook(data, in.Source)
	if err != nil {
		return nil, err
	}

	buyers, suppliers := discoverNames(wb)

	metrics := map[string]any{
		"sheetsProcessed":         len(wb.sheets),
		"organisationsDiscovered": len(buyers) + len(wb.meta),
		"suppliersDiscovered":     len(suppliers),
		"suppliersCreated":        0,
		"rowsImported":            0,
		"rowsSkipped":             0,
	}

	if in.Run.DryRun {
		zap.L().Info("pipeline: dry-run import discovery",
			zap.String("run_id", in.Run.ID),
			zap.Int("sheets", len(wb.sheets)),
			zap.Int("buyers", len(buyers)),
			zap.Int("suppliers", len(suppliers)))
		return &Result{Status: model.StageSucceeded, Metrics: metrics}, nil
	}

	err = s.st.InTx(ctx, func(tx store.Store) error {
		if in.Truncate {
			if terr := tx.TruncateSource(ctx, in.Source.Kind); terr != nil {
				return terr
			}
		}

		if merr := s.resolveMetadata(ctx, tx, in, wb.meta); merr != nil {
			return merr
		}

		buyerIDs, berr := s.resolveBuyers(ctx, tx, in, buyers)
		if berr != nil {
			return berr
		}

		created, serr := tx.InsertSuppliersPending(ctx, suppliers)
		if serr != nil {
			return serr
		}
		metrics["suppliersCreated"] = int(created)

		supplierIDs, serr := supplierIDMap(ctx, tx, suppliers)
		if serr != nil {
			return serr
		}

		imported, skipped, rerr := s.importRows(ctx, tx, in, wb, buyerIDs, supplierIDs)
		if rerr != nil {
			return rerr
		}
		metrics["rowsImported"] = int(imported)
		metrics["rowsSkipped"] = skipped
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: import transaction")
	}

	return &Result{Status: model.StageSucceeded, Metrics: metrics}, nil
}

// assetKey derives the object key for a run's uploaded workbook. A run may
// carry an explicit key in its parameters.
func assetKey(run *model.Run) string {
	if k, ok := run.Params["asset_key"].(string); ok && k != "" {
		return k
	}
	return fmt.Sprintf("uploads/%d.xlsx", run.AssetID)
}

// discoverNames scans every data sheet once and collects the distinct buyer
// and supplier names in first-seen order.
func discoverNames(wb *workbook) (buyers, suppliers []string) {
	seenBuyers := make(map[string]bool)
	seenSuppliers := make(map[string]bool)
	for _, sheet := range wb.sheets {
		for _, row := range sheet.rows {
			if b := cellAt(row.cells, colBuyer); b != "" && !seenBuyers[b] {
				seenBuyers[b] = true
				buyers = append(buyers, b)
			}
			if sup := cellAt(row.cells, colSupplier); sup != "" && !seenSuppliers[sup] {
				seenSuppliers[sup] = true
				suppliers = append(suppliers, sup)
			}
		}
	}
	return buyers, suppliers
}

// resolveMetadata upserts the metadata sheet's organisations. Rows without a
// registry code get a placeholder id so the import never depends on the
// network for its own workbook's contents.
func (s *ImportStage) resolveMetadata(ctx context.Context, tx store.Store, in *Input, orgs []metaOrg) error {
	for _, org := range orgs {
		e := model.Entity{
			EntityType: in.Source.EntityType,
			RegistryID: org.Code,
			Name:       org.Name,
			Street:     org.Street,
			Locality:   org.Locality,
			Postcode:   org.Postcode,
		}
		out, err := s.res.EnsurePlaceholder(ctx, tx, in.RC, &e, metaDetail(in.Source.EntityType, org))
		if err != nil {
			return err
		}
		if out.Created {
			s.auditEntityCreate(ctx, tx, in, out.EntityID, &e)
		}
	}
	return nil
}

// metaDetail builds the type-detail record for a metadata organisation.
func metaDetail(t model.EntityType, org metaOrg) *model.EntityDetail {
	switch t {
	case model.TypeCouncil:
		return &model.EntityDetail{Council: &model.Council{GSSCode: org.Code}}
	case model.TypeGovDepartment:
		return &model.EntityDetail{Department: &model.GovernmentDepartment{Slug: org.Code}}
	default:
		return &model.EntityDetail{HealthOrg: &model.HealthOrganisation{ODSCode: org.Code}}
	}
}

// resolveBuyers ensures a Buyer row per discovered name and resolves pending
// ones through the cascade. Numeric placeholder names get no Buyer row;
// their data rows are skipped at scan time.
func (s *ImportStage) resolveBuyers(ctx context.Context, tx store.Store, in *Input, names []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(names))
	for _, name := range names {
		if resolver.IsNumericName(resolver.NameKey(name)) {
			continue
		}

		b, err := tx.GetBuyerByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if b == nil {
			b = &model.Buyer{Name: name, MatchStatus: model.MatchPending}
			if err := tx.CreateBuyer(ctx, b); err != nil {
				return nil, err
			}
		}
		ids[name] = b.ID

		if b.MatchStatus != model.MatchPending {
			continue
		}
		out, err := s.res.Resolve(ctx, tx, in.RC, name, in.Source.EntityType)
		if err != nil {
			return nil, err
		}
		switch out.Status {
		case model.MatchMatched:
			err = tx.UpdateBuyerMatch(ctx, b.ID, model.MatchMatched, &out.EntityID, &out.Confidence)
		case model.MatchPendingReview:
			err = tx.UpdateBuyerMatch(ctx, b.ID, model.MatchPendingReview, &out.EntityID, &out.Confidence)
		default:
			err = tx.UpdateBuyerMatch(ctx, b.ID, model.MatchNoMatch, nil, &out.Confidence)
		}
		if err != nil {
			return nil, err
		}
		if out.Created {
			s.auditResolvedEntity(ctx, tx, in, out.EntityID, name)
		}
	}
	return ids, nil
}

func supplierIDMap(ctx context.Context, tx store.Store, names []string) (map[string]*int64, error) {
	ids := make(map[string]*int64, len(names))
	for _, name := range names {
		sup, err := tx.GetSupplierByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if sup != nil {
			id := sup.ID
			ids[name] = &id
		}
	}
	return ids, nil
}

// importRows re-scans every data row, converting and batch-inserting valid
// rows and recording a skip diagnostic per rejected row.
func (s *ImportStage) importRows(
	ctx context.Context,
	tx store.Store,
	in *Input,
	wb *workbook,
	buyerIDs map[string]int64,
	supplierIDs map[string]*int64,
) (int64, int, error) {
	var (
		imported int64
		skipped  int
		batch    []model.SpendEntry
		skips    []model.SkippedRow
	)

	flushSpend := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := tx.InsertSpendEntries(ctx, batch)
		if err != nil {
			return err
		}
		imported += n
		batch = batch[:0]
		return nil
	}
	flushSkips := func() error {
		if len(skips) == 0 {
			return nil
		}
		if _, err := tx.InsertSkippedRows(ctx, skips); err != nil {
			return err
		}
		skips = skips[:0]
		return nil
	}

	for _, sheet := range wb.sheets {
		for _, row := range sheet.rows {
			if rowEmpty(row.cells) {
				continue
			}

			entry, reason := convertRow(in, sheet.name, row, buyerIDs, supplierIDs)
			if reason != "" {
				skipped++
				skips = append(skips, model.SkippedRow{
					RunID:     in.Run.ID,
					AssetID:   in.Run.AssetID,
					SheetName: sheet.name,
					RowNumber: row.num,
					Reason:    reason,
					RawRow:    row.cells,
				})
				if len(skips) >= skipBatchSize {
					if err := flushSkips(); err != nil {
						return 0, 0, err
					}
				}
				continue
			}

			batch = append(batch, *entry)
			if len(batch) >= spendBatchSize {
				if err := flushSpend(); err != nil {
					return 0, 0, err
				}
			}
		}
	}

	if err := flushSpend(); err != nil {
		return 0, 0, err
	}
	if err := flushSkips(); err != nil {
		return 0, 0, err
	}
	return imported, skipped, nil
}

// convertRow validates one data row. A non-empty reason means the row is
// rejected.
func convertRow(
	in *Input,
	sheetName string,
	row sheetRow,
	buyerIDs map[string]int64,
	supplierIDs map[string]*int64,
) (*model.SpendEntry, string) {
	buyerName := cellAt(row.cells, colBuyer)
	supplierName := cellAt(row.cells, colSupplier)
	rawDate := cellAt(row.cells, colDate)
	rawAmount := cellAt(row.cells, colAmount)

	if buyerName == "" {
		return nil, model.SkipMissingName
	}
	if resolver.IsNumericName(resolver.NameKey(buyerName)) {
		return nil, model.SkipNumericName
	}
	buyerID, ok := buyerIDs[buyerName]
	if !ok {
		return nil, model.SkipUnknownOrg
	}

	amount, err := parseAmount(rawAmount)
	if err != nil {
		if eris.Is(err, ErrAmountTooLarge) {
			return nil, model.SkipAmountTooLarge
		}
		return nil, model.SkipInvalidAmount
	}

	date, err := parseDate(rawDate)
	if err != nil {
		return nil, model.SkipInvalidDate
	}

	return &model.SpendEntry{
		AssetID:      in.Run.AssetID,
		BuyerID:      buyerID,
		SupplierID:   supplierIDs[supplierName],
		BuyerName:    buyerName,
		SupplierName: supplierName,
		RawAmount:    rawAmount,
		RawDate:      rawDate,
		Amount:       amount,
		PaymentDate:  date,
		SheetName:    sheetName,
		RowNumber:    row.num,
	}, ""
}

func (s *ImportStage) auditEntityCreate(ctx context.Context, tx store.Store, in *Input, entityID int64, e *model.Entity) {
	after := map[string]any{
		"entity_type": string(e.EntityType),
		"registry_id": e.RegistryID,
		"name":        e.Name,
	}
	s.appendAudit(ctx, tx, in, entityID, after)
}

func (s *ImportStage) auditResolvedEntity(ctx context.Context, tx store.Store, in *Input, entityID int64, name string) {
	s.appendAudit(ctx, tx, in, entityID, map[string]any{"resolved_from": name})
}

// appendAudit records an entity creation. Audit failures are logged, not
// fatal: the trail is diagnostic, the entity write is the source of truth.
func (s *ImportStage) appendAudit(ctx context.Context, tx store.Store, in *Input, entityID int64, after map[string]any) {
	runID := in.Run.ID
	entry := &model.AuditLog{
		TableName: "entities",
		RecordID:  entityID,
		Action:    model.AuditCreate,
		After:     after,
		Actor:     model.RunActor(runID, StageImport),
		RunID:     &runID,
		Stage:     StageImport,
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		zap.L().Warn("pipeline: audit append failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}
