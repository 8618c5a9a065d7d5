// Package ingest is the validated boundary between third-party enrichment
// payloads and the reconciliation core. Each source's JSON shape is parsed
// into a typed IncomingRecord here; the core never touches raw JSON.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/entity"
	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// Known enrichment sources.
const (
	SourceClay          = "clay"
	SourceCompanyEnrich = "companyenrich"
	SourceGemini        = "gemini"
	SourceParallel      = "parallel"
	SourceSalesNav      = "salesnav"
)

// ErrUnknownSource means a payload arrived for a source with no parser.
var ErrUnknownSource = eris.New("ingest: unknown source")

// sourceConfidence is the default trust per source: the paid enrichment API
// outranks AI derivation and scraped profile data.
var sourceConfidence = map[string]float64{
	SourceCompanyEnrich: 0.9,
	SourceClay:          0.8,
	SourceParallel:      0.75,
	SourceGemini:        0.7,
	SourceSalesNav:      0.6,
}

// RawEdge is a relationship reference as it appears in a payload.
type RawEdge struct {
	TargetKind      identifier.Kind `json:"target_kind"`
	TargetValue     string          `json:"target_value"`
	RelType         string          `json:"rel_type,omitempty"`
	EvidenceURL     string          `json:"evidence_url,omitempty"`
	DiscoveryMethod string          `json:"discovery_method,omitempty"`
}

// IncomingRecord is one parsed enrichment payload: raw identifier strings
// (not yet normalized), scalar fields with per-field provenance, multi-valued
// items, and relationship references.
type IncomingRecord struct {
	RecordID    string                       `json:"record_id"`
	Source      string                       `json:"source"`
	Name        string                       `json:"name,omitempty"`
	Identifiers map[identifier.Kind]string   `json:"identifiers"`
	Fields      map[string]entity.FieldValue `json:"fields,omitempty"`
	Items       map[string][]string          `json:"items,omitempty"`
	Edges       []RawEdge                    `json:"edges,omitempty"`
	ReceivedAt  time.Time                    `json:"received_at"`
}

// Parse maps a source's JSON payload into an IncomingRecord.
func Parse(source string, payload []byte) (IncomingRecord, error) {
	switch source {
	case SourceClay:
		return parseClay(payload)
	case SourceCompanyEnrich:
		return parseCompanyEnrich(payload)
	case SourceGemini:
		return parseGemini(payload)
	case SourceParallel:
		return parseParallel(payload)
	case SourceSalesNav:
		return parseSalesNav(payload)
	default:
		return IncomingRecord{}, eris.Wrapf(ErrUnknownSource, "ingest: %q", source)
	}
}

func newRecord(source, externalID string) IncomingRecord {
	recordID := externalID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	return IncomingRecord{
		RecordID:    source + ":" + recordID,
		Source:      source,
		Identifiers: make(map[identifier.Kind]string),
		Fields:      make(map[string]entity.FieldValue),
		Items:       make(map[string][]string),
		ReceivedAt:  time.Now(),
	}
}

func (r *IncomingRecord) setField(name string, value any) {
	if value == nil {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	r.Fields[name] = entity.FieldValue{
		Value:      value,
		Source:     r.Source,
		Confidence: sourceConfidence[r.Source],
		ObservedAt: r.ReceivedAt,
	}
}

func (r *IncomingRecord) setItems(name string, values []string) {
	if len(values) > 0 {
		r.Items[name] = values
	}
}

// clayPayload is a Clay table-row enrichment webhook.
type clayPayload struct {
	RecordID    string         `json:"record_id"`
	Domain      string         `json:"domain"`
	CompanyName string         `json:"company_name"`
	LinkedInURL string         `json:"linkedin_url"`
	Description string         `json:"description"`
	Industry    string         `json:"industry"`
	Employees   string         `json:"employee_range"`
	Location    map[string]any `json:"location"`
	Keywords    []string       `json:"keywords"`
	Customers   []struct {
		Domain      string `json:"domain"`
		EvidenceURL string `json:"evidence_url"`
	} `json:"customers"`
}

func parseClay(payload []byte) (IncomingRecord, error) {
	var p clayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return IncomingRecord{}, eris.Wrap(err, "ingest: parse clay payload")
	}

	rec := newRecord(SourceClay, p.RecordID)
	rec.Name = p.CompanyName
	if p.Domain != "" {
		rec.Identifiers[identifier.KindDomain] = p.Domain
	}
	if p.LinkedInURL != "" {
		rec.Identifiers[identifier.KindLinkedIn] = p.LinkedInURL
	}
	if p.CompanyName != "" {
		rec.Identifiers[identifier.KindName] = p.CompanyName
	}

	rec.setField("name", p.CompanyName)
	rec.setField("description", p.Description)
	rec.setField("industry", p.Industry)
	rec.setField("employee_range", p.Employees)
	if len(p.Location) > 0 {
		rec.setField("location", p.Location)
	}
	rec.setItems("keywords", p.Keywords)

	for _, c := range p.Customers {
		if c.Domain == "" {
			continue
		}
		rec.Edges = append(rec.Edges, RawEdge{
			TargetKind:      identifier.KindDomain,
			TargetValue:     c.Domain,
			RelType:         entity.RelCustomer,
			EvidenceURL:     c.EvidenceURL,
			DiscoveryMethod: "clay_customer_scrape",
		})
	}
	return rec, nil
}

// companyEnrichPayload is a CompanyEnrich firmographics callback.
type companyEnrichPayload struct {
	ID      string `json:"id"`
	Website string `json:"website"`
	Company struct {
		Name        string `json:"name"`
		LegalName   string `json:"legal_name"`
		FoundedYear int    `json:"founded_year"`
		Phone       string `json:"phone"`
		Email       string `json:"email"`
	} `json:"company"`
	Industry     string                 `json:"industry"`
	Employees    struct{ Range string } `json:"employees"`
	Revenue      struct{ Range string } `json:"revenue"`
	Headquarters map[string]any         `json:"headquarters"`
	Technologies []string               `json:"technologies"`
	Categories   []string               `json:"categories"`
	LinkedInURL  string                 `json:"linkedin_url"`
}

func parseCompanyEnrich(payload []byte) (IncomingRecord, error) {
	var p companyEnrichPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return IncomingRecord{}, eris.Wrap(err, "ingest: parse companyenrich payload")
	}

	rec := newRecord(SourceCompanyEnrich, p.ID)
	rec.Name = p.Company.Name
	if p.Website != "" {
		rec.Identifiers[identifier.KindDomain] = p.Website
	}
	if p.LinkedInURL != "" {
		rec.Identifiers[identifier.KindLinkedIn] = p.LinkedInURL
	}
	if p.Company.Name != "" {
		rec.Identifiers[identifier.KindName] = p.Company.Name
	}

	rec.setField("name", p.Company.Name)
	rec.setField("legal_name", p.Company.LegalName)
	rec.setField("industry", p.Industry)
	rec.setField("employee_range", p.Employees.Range)
	rec.setField("revenue_range", p.Revenue.Range)
	rec.setField("phone", p.Company.Phone)
	rec.setField("email", p.Company.Email)
	if p.Company.FoundedYear > 0 {
		rec.setField("year_founded", p.Company.FoundedYear)
	}
	if len(p.Headquarters) > 0 {
		rec.setField("headquarters", p.Headquarters)
	}
	rec.setItems("technologies", p.Technologies)
	rec.setItems("categories", p.Categories)
	return rec, nil
}

// geminiPayload is an ICP derivation result.
type geminiPayload struct {
	RequestID        string   `json:"request_id"`
	Domain           string   `json:"domain"`
	ICPSegment       string   `json:"icp_segment"`
	Keywords         []string `json:"keywords"`
	SimilarCompanies []struct {
		Domain      string `json:"domain"`
		EvidenceURL string `json:"evidence_url"`
	} `json:"similar_companies"`
}

func parseGemini(payload []byte) (IncomingRecord, error) {
	var p geminiPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return IncomingRecord{}, eris.Wrap(err, "ingest: parse gemini payload")
	}

	rec := newRecord(SourceGemini, p.RequestID)
	if p.Domain != "" {
		rec.Identifiers[identifier.KindDomain] = p.Domain
	}
	rec.setField("icp_segment", p.ICPSegment)
	rec.setItems("keywords", p.Keywords)

	for _, c := range p.SimilarCompanies {
		if c.Domain == "" {
			continue
		}
		rec.Edges = append(rec.Edges, RawEdge{
			TargetKind:      identifier.KindDomain,
			TargetValue:     c.Domain,
			RelType:         entity.RelSimilarTo,
			EvidenceURL:     c.EvidenceURL,
			DiscoveryMethod: "gemini_similar_companies",
		})
	}
	return rec, nil
}

// parallelPayload is a Parallel AI research task result.
type parallelPayload struct {
	TaskID string `json:"task_id"`
	Input  struct {
		CompanyDomain string `json:"company_domain"`
	} `json:"input"`
	Output struct {
		Description   string         `json:"description"`
		OwnershipType string         `json:"ownership_type"`
		FundingRounds []string       `json:"funding_rounds"`
		Location      map[string]any `json:"location"`
	} `json:"output"`
}

func parseParallel(payload []byte) (IncomingRecord, error) {
	var p parallelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return IncomingRecord{}, eris.Wrap(err, "ingest: parse parallel payload")
	}

	rec := newRecord(SourceParallel, p.TaskID)
	if p.Input.CompanyDomain != "" {
		rec.Identifiers[identifier.KindDomain] = p.Input.CompanyDomain
	}
	rec.setField("description", p.Output.Description)
	rec.setField("ownership_type", p.Output.OwnershipType)
	if len(p.Output.Location) > 0 {
		rec.setField("location", p.Output.Location)
	}
	rec.setItems("funding_rounds", p.Output.FundingRounds)
	return rec, nil
}

// salesNavPayload is a Sales Navigator account export row.
type salesNavPayload struct {
	ExportID    string `json:"export_id"`
	CompanyName string `json:"company_name"`
	LinkedInURL string `json:"linkedin_url"`
	Website     string `json:"website"`
	Industry    string `json:"industry"`
	Employees   string `json:"employee_range"`
}

func parseSalesNav(payload []byte) (IncomingRecord, error) {
	var p salesNavPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return IncomingRecord{}, eris.Wrap(err, "ingest: parse salesnav payload")
	}

	rec := newRecord(SourceSalesNav, p.ExportID)
	rec.Name = p.CompanyName
	if p.LinkedInURL != "" {
		rec.Identifiers[identifier.KindLinkedIn] = p.LinkedInURL
	}
	if p.Website != "" {
		rec.Identifiers[identifier.KindDomain] = p.Website
	}
	if p.CompanyName != "" {
		rec.Identifiers[identifier.KindName] = p.CompanyName
	}
	rec.setField("name", p.CompanyName)
	rec.setField("industry", p.Industry)
	rec.setField("employee_range", p.Employees)
	return rec, nil
}
