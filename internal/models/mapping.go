package models

import "time"

// Indication is one documented use of a drug, taken from a label subsection.
type Indication struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// String renders the indication the way it is stored and resolved.
func (i Indication) String() string {
	return i.Title + ": " + i.Description
}

// Mapping ties one indication of a drug to its ICD-10 code.
// ICD10Code is nil when no resolver produced a valid code.
type Mapping struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	DrugName   string    `json:"drug_name"`
	Indication string    `json:"indication"`
	ICD10Code  *string   `json:"icd10_code"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
}

// Code returns the mapped code or an empty string.
func (m Mapping) Code() string {
	if m.ICD10Code == nil {
		return ""
	}
	return *m.ICD10Code
}

// MappingQuery narrows the mappings read endpoint.
type MappingQuery struct {
	Indication string
	ICD10Code  string
	From       int
	Size       int
}

// MappingPage bundles one page of mappings and the total hit count.
type MappingPage struct {
	Total int64     `json:"total"`
	Items []Mapping `json:"items"`
}

// RunRequest asks the worker to map the label identified by SetID.
type RunRequest struct {
	DrugName   string `json:"drug_name"`
	SetID      string `json:"set_id"`
	ArchiveURL string `json:"archive_url,omitempty"`
}
