package model

import (
	"github.com/rotisserie/eris"
)

// Category identifies the canonical record shape a source produces.
type Category string

const (
	CategorySecurityList           Category = "security_list"
	CategoryShareholdingDisclosure Category = "shareholding_disclosure"
	CategoryCustodianPosition      Category = "custodian_position"
	CategoryIndexConstituent       Category = "index_constituent"
	CategoryInvestorTypeStat       Category = "investor_type_stat"
	CategoryShortPosition          Category = "short_position"
	CategoryParticipant            Category = "participant"
	CategoryCustodianSummary       Category = "custodian_summary"
	CategoryConnectHolding         Category = "connect_holding"
	CategoryForeignOwnership       Category = "foreign_ownership"
)

// FieldType is the storage type of a canonical field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldInt
	FieldFloat
	FieldBool
	FieldDate
)

// String returns the lowercase type name.
func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldInt:
		return "int"
	case FieldFloat:
		return "float"
	case FieldBool:
		return "bool"
	case FieldDate:
		return "date"
	default:
		return "unknown"
	}
}

// FieldSpec describes one canonical field of a category.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is the fixed canonical field set of a category plus its default key fields.
type Schema struct {
	Category  Category
	Table     string
	Fields    []FieldSpec
	KeyFields []string
}

// Field returns the spec for the named field.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames returns canonical field names in declaration order.
func (s Schema) FieldNames() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// RequiredFields returns the names of required fields.
func (s Schema) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

func text(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldText} }
func req(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldText, Required: true} }
func num(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldInt} }
func dec(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldFloat} }
func flag(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldBool} }
func date(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldDate} }

var schemas = map[Category]Schema{
	CategorySecurityList: {
		Category: CategorySecurityList,
		Table:    "security_list",
		Fields: []FieldSpec{
			req("stock_code"), text("name"), text("isin"), text("category"), text("sub_category"),
			num("board_lot"), dec("par_value"), date("listing_date"), num("shares_issued"),
			text("market"), text("currency"), flag("shortsell_eligible"), flag("connect_eligible"),
		},
		KeyFields: []string{"stock_code"},
	},
	CategoryShareholdingDisclosure: {
		Category: CategoryShareholdingDisclosure,
		Table:    "shareholding_disclosure",
		Fields: []FieldSpec{
			req("form_serial"), req("stock_code"), text("holder_name"), text("reason"),
			date("event_date"), num("shares_involved"), dec("avg_price"),
			num("shares_interested"), dec("pct_interested"),
		},
		KeyFields: []string{"form_serial"},
	},
	CategoryCustodianPosition: {
		Category: CategoryCustodianPosition,
		Table:    "custodian_position",
		Fields: []FieldSpec{
			req("participant_id"), req("stock_code"), text("participant_name"), text("address"),
			num("shareholding"), dec("pct_issued"),
		},
		KeyFields: []string{"participant_id", "stock_code"},
	},
	CategoryIndexConstituent: {
		Category: CategoryIndexConstituent,
		Table:    "index_constituent",
		Fields: []FieldSpec{
			req("index_code"), req("stock_code"), text("stock_name"), text("index_name"),
			text("share_type"), text("industry"), dec("weight"), dec("contribution_change"),
		},
		KeyFields: []string{"index_code", "stock_code"},
	},
	CategoryInvestorTypeStat: {
		Category: CategoryInvestorTypeStat,
		Table:    "investor_type_stat",
		Fields: []FieldSpec{
			req("security_code"), req("investor_type"), num("shares_sold"), num("shares_bought"),
			num("net_shares"), dec("value_sold"), dec("value_bought"), dec("net_value"),
		},
		KeyFields: []string{"security_code", "investor_type"},
	},
	CategoryShortPosition: {
		Category: CategoryShortPosition,
		Table:    "short_position",
		Fields: []FieldSpec{
			req("stock_code"), text("name"), num("short_shares"), dec("short_value"),
		},
		KeyFields: []string{"stock_code"},
	},
	CategoryParticipant: {
		Category: CategoryParticipant,
		Table:    "participant",
		Fields: []FieldSpec{
			req("participant_id"), text("participant_name"),
		},
		KeyFields: []string{"participant_id"},
	},
	CategoryCustodianSummary: {
		Category: CategoryCustodianSummary,
		Table:    "custodian_summary",
		Fields: []FieldSpec{
			req("stock_code"), req("participant_type"), num("shareholding"), num("participants"),
			dec("pct_issued"), num("shares_issued"),
		},
		KeyFields: []string{"stock_code", "participant_type"},
	},
	CategoryConnectHolding: {
		Category: CategoryConnectHolding,
		Table:    "connect_holding",
		Fields: []FieldSpec{
			req("stock_code"), text("name"), num("shareholding"), dec("pct_issued"), text("channel"),
		},
		KeyFields: []string{"stock_code"},
	},
	CategoryForeignOwnership: {
		Category: CategoryForeignOwnership,
		Table:    "foreign_ownership",
		Fields: []FieldSpec{
			req("security_code"), dec("close_price"), num("listed_shares"), num("foreign_shares"),
			dec("foreign_ratio"), num("foreign_limit_shares"), dec("limit_exhaustion"),
		},
		KeyFields: []string{"security_code"},
	},
}

// categoryOrder keeps DDL and listings deterministic.
var categoryOrder = []Category{
	CategorySecurityList,
	CategoryShareholdingDisclosure,
	CategoryCustodianPosition,
	CategoryIndexConstituent,
	CategoryInvestorTypeStat,
	CategoryShortPosition,
	CategoryParticipant,
	CategoryCustodianSummary,
	CategoryConnectHolding,
	CategoryForeignOwnership,
}

// SchemaFor returns the canonical schema of a category.
func SchemaFor(c Category) (Schema, error) {
	s, ok := schemas[c]
	if !ok {
		return Schema{}, eris.Errorf("model: unknown category %q", c)
	}
	return s, nil
}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, ok := schemas[c]; !ok {
		return "", eris.Errorf("unknown category: %q", s)
	}
	return c, nil
}
