package model

import (
	"encoding/json"
	"slices"
)

// Extracted contract field keys
const (
	FieldPartyIdentification    = "party_identification"
	FieldAccountInformation     = "account_information"
	FieldFinancialDetails       = "financial_details"
	FieldPaymentStructure       = "payment_structure"
	FieldRevenueClassification  = "revenue_classification"
	FieldServiceLevelAgreements = "service_level_agreements"
)

// FieldKeys lists the extracted fields in display order
var FieldKeys = []string{
	FieldPartyIdentification,
	FieldAccountInformation,
	FieldFinancialDetails,
	FieldPaymentStructure,
	FieldRevenueClassification,
	FieldServiceLevelAgreements,
}

// Confidence category keys
const (
	CategoryFinancialCompleteness = "financial_completeness"
	CategoryPartyIdentification   = "party_identification"
	CategoryPaymentTermsClarity   = "payment_terms_clarity"
	CategorySLADefinition         = "sla_definition"
	CategoryContactInformation    = "contact_information"
)

// Categories lists the confidence categories in their fixed order
var Categories = []string{
	CategoryFinancialCompleteness,
	CategoryPartyIdentification,
	CategoryPaymentTermsClarity,
	CategorySLADefinition,
	CategoryContactInformation,
}

// Extraction is the structured result of extracting a contract.
// Field values are kept raw because their shape varies per document.
type Extraction struct {
	PartyIdentification    json.RawMessage    `json:"party_identification"`
	AccountInformation     json.RawMessage    `json:"account_information"`
	FinancialDetails       json.RawMessage    `json:"financial_details"`
	PaymentStructure       json.RawMessage    `json:"payment_structure"`
	RevenueClassification  json.RawMessage    `json:"revenue_classification"`
	ServiceLevelAgreements json.RawMessage    `json:"service_level_agreements"`
	ConfidenceScores       map[string]float64 `json:"confidence_scores"`
	Gaps                   []string           `json:"gaps"`
	Score                  float64            `json:"score"`
}

// Field returns the raw value of the named field, nil when unknown or unset
func (e *Extraction) Field(key string) json.RawMessage {
	switch key {
	case FieldPartyIdentification:
		return e.PartyIdentification
	case FieldAccountInformation:
		return e.AccountInformation
	case FieldFinancialDetails:
		return e.FinancialDetails
	case FieldPaymentStructure:
		return e.PaymentStructure
	case FieldRevenueClassification:
		return e.RevenueClassification
	case FieldServiceLevelAgreements:
		return e.ServiceLevelAgreements
	}
	return nil
}

// SetField stores raw under the named field. Unknown keys are ignored.
func (e *Extraction) SetField(key string, raw json.RawMessage) {
	switch key {
	case FieldPartyIdentification:
		e.PartyIdentification = raw
	case FieldAccountInformation:
		e.AccountInformation = raw
	case FieldFinancialDetails:
		e.FinancialDetails = raw
	case FieldPaymentStructure:
		e.PaymentStructure = raw
	case FieldRevenueClassification:
		e.RevenueClassification = raw
	case FieldServiceLevelAgreements:
		e.ServiceLevelAgreements = raw
	}
}

// Fields returns the parsed shape of every extracted field keyed by field name
func (e *Extraction) Fields() map[string]Field {
	fields := make(map[string]Field, len(FieldKeys))
	for _, key := range FieldKeys {
		fields[key] = ParseField(e.Field(key))
	}
	return fields
}

func (e *Extraction) Clone() *Extraction {
	cp := *e
	for _, key := range FieldKeys {
		cp.SetField(key, slices.Clone(e.Field(key)))
	}
	if e.ConfidenceScores != nil {
		cp.ConfidenceScores = make(map[string]float64, len(e.ConfidenceScores))
		for k, v := range e.ConfidenceScores {
			cp.ConfidenceScores[k] = v
		}
	}
	cp.Gaps = slices.Clone(e.Gaps)
	return &cp
}
