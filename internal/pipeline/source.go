package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

// SourceType parameterizes the generic import stage for one source kind: the
// header label that authenticates a data sheet, the optional metadata sheet
// carrying authoritative organisation attributes, and the entity type buyers
// resolve against.
type SourceType struct {
	Kind model.SourceKind
	// HeaderLabel must appear (case-insensitively) in the first column's
	// header of every data sheet. A mismatch fails the import outright.
	HeaderLabel string
	// MetadataSheet names the reserved sheet of organisation attributes,
	// matched case-insensitively. Empty means the kind carries none.
	MetadataSheet string
	// EntityType is the resolver hint for buyer names of this kind.
	EntityType model.EntityType
}

// Source descriptors per kind.
var sourceTypes = map[model.SourceKind]SourceType{
	model.SourceHealth: {
		Kind:          model.SourceHealth,
		HeaderLabel:   "trust",
		MetadataSheet: "trusts",
		EntityType:    model.TypeHealthTrust,
	},
	model.SourceCouncil: {
		Kind:          model.SourceCouncil,
		HeaderLabel:   "council",
		MetadataSheet: "councils",
		EntityType:    model.TypeCouncil,
	},
	model.SourceCentral: {
		Kind:          model.SourceCentral,
		HeaderLabel:   "department",
		MetadataSheet: "departments",
		EntityType:    model.TypeGovDepartment,
	},
}

// SourceFor returns the descriptor for a source kind.
func SourceFor(kind model.SourceKind) (SourceType, error) {
	s, ok := sourceTypes[kind]
	if !ok {
		return SourceType{}, eris.Errorf("pipeline: unknown source kind %q", kind)
	}
	return s, nil
}

// matchesHeader reports whether a data sheet's first-column header carries
// this source's expected label.
func (s SourceType) matchesHeader(header string) bool {
	return strings.Contains(strings.ToLower(header), strings.ToLower(s.HeaderLabel))
}

// isMetadataSheet reports whether the sheet name is this source's reserved
// metadata sheet.
func (s SourceType) isMetadataSheet(name string) bool {
	return s.MetadataSheet != "" && strings.EqualFold(strings.TrimSpace(name), s.MetadataSheet)
}
