// Package icd10 resolves indication text to ICD-10 diagnosis codes.
//
// Resolution is two-tier: a curated phrase table is consulted first and a
// statistical classifier is used only when no phrase matches. Classifier
// output is accepted only when it is a syntactically valid code.
package icd10

import "regexp"

// Up to three digits after the category so subcategory codes like J45.909 pass.
var codePattern = regexp.MustCompile(`^[A-Z][0-9]{2}\.?[0-9]{0,3}$`)

// IsValid reports whether code is a syntactically valid ICD-10 code.
// No normalization is applied.
func IsValid(code string) bool {
	return codePattern.MatchString(code)
}
