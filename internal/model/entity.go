// Package model defines the core records shared by the ingestion pipeline:
// canonical entities, buyers/suppliers, spend entries and run bookkeeping.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType classifies a canonical entity by the registry it was resolved
// against.
type EntityType string

// Entity types.
const (
	TypeCompany       EntityType = "company"
	TypeHealthTrust   EntityType = "health_trust"
	TypeHealthICB     EntityType = "health_icb"
	TypeHealthGP      EntityType = "health_practice"
	TypeCouncil       EntityType = "council"
	TypeGovDepartment EntityType = "government_department"
	TypeOther         EntityType = "other"
)

// PlaceholderPrefix marks registry ids synthesized for organisations that
// appear in workbook metadata without a registry code. Entities carrying a
// placeholder id are excluded from name-based lookup so a later import with
// a real code can still win.
const PlaceholderPrefix = "UNKNOWN-"

// Entity is the deduplicated, registry-identified record for one real-world
// organisation. (EntityType, RegistryID) is unique and is the dedup key
// across repeated imports.
type Entity struct {
	ID         int64      `json:"id" db:"id"`
	EntityType EntityType `json:"entity_type" db:"entity_type"`
	RegistryID string     `json:"registry_id" db:"registry_id"`
	Name       string     `json:"name" db:"name"`
	NameKey    string     `json:"name_key" db:"name_key"`
	Status     string     `json:"status,omitempty" db:"status"`

	Street   string `json:"street,omitempty" db:"street"`
	Locality string `json:"locality,omitempty" db:"locality"`
	Postcode string `json:"postcode,omitempty" db:"postcode"`
	Region   string `json:"region,omitempty" db:"region"`
	Country  string `json:"country,omitempty" db:"country"`

	Latitude  *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude *float64 `json:"longitude,omitempty" db:"longitude"`

	// Cached aggregates, maintained by the totals refresh stage.
	TotalSpent    decimal.Decimal `json:"total_spent" db:"total_spent"`
	TotalReceived decimal.Decimal `json:"total_received" db:"total_received"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsPlaceholder reports whether the entity's registry id was synthesized
// rather than resolved from a registry.
func (e *Entity) IsPlaceholder() bool {
	return len(e.RegistryID) > len(PlaceholderPrefix) &&
		e.RegistryID[:len(PlaceholderPrefix)] == PlaceholderPrefix
}

// Company is the type-detail record for a company-registry entity.
type Company struct {
	EntityID      int64     `json:"entity_id" db:"entity_id"`
	CompanyNumber string    `json:"company_number" db:"company_number"`
	CompanyStatus string    `json:"company_status,omitempty" db:"company_status"`
	CompanyType   string    `json:"company_type,omitempty" db:"company_type"`
	SICCodes      string    `json:"sic_codes,omitempty" db:"sic_codes"`
	PreviousNames string    `json:"previous_names,omitempty" db:"previous_names"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// HealthOrganisation is the type-detail record for a health-directory entity.
type HealthOrganisation struct {
	EntityID   int64     `json:"entity_id" db:"entity_id"`
	ODSCode    string    `json:"ods_code" db:"ods_code"`
	OrgSubType string    `json:"org_sub_type,omitempty" db:"org_sub_type"`
	ParentCode string    `json:"parent_code,omitempty" db:"parent_code"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Council is the type-detail record for a local-authority entity.
type Council struct {
	EntityID  int64     `json:"entity_id" db:"entity_id"`
	GSSCode   string    `json:"gss_code" db:"gss_code"`
	Tier      string    `json:"tier,omitempty" db:"tier"`
	ParentGSS string    `json:"parent_gss,omitempty" db:"parent_gss"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GovernmentDepartment is the type-detail record for a central-government
// entity.
type GovernmentDepartment struct {
	EntityID     int64     `json:"entity_id" db:"entity_id"`
	Slug         string    `json:"slug" db:"slug"`
	Abbreviation string    `json:"abbreviation,omitempty" db:"abbreviation"`
	Format       string    `json:"format,omitempty" db:"format"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// EntityDetail carries whichever type-detail record matches the entity type.
// Exactly one field is non-nil.
type EntityDetail struct {
	Company    *Company
	HealthOrg  *HealthOrganisation
	Council    *Council
	Department *GovernmentDepartment
}
