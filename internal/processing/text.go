package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

var (
	outlinePrefix = regexp.MustCompile(`^\d+(\.\d+)*\s*`)
	indexUnsafe   = regexp.MustCompile(`[^a-z0-9_\-]+`)
)

// StripOutlinePrefix removes a leading section number such as "1.2 " from a title.
func StripOutlinePrefix(title string) string {
	return strings.TrimSpace(outlinePrefix.ReplaceAllString(title, ""))
}

// NormalizeDrugName returns the canonical lowercased drug name.
func NormalizeDrugName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CollectionName derives the per-drug collection name, e.g. "dupixent_mappings".
// Characters that are not allowed in an index name are replaced with '-'.
func CollectionName(drug, suffix string) string {
	name := indexUnsafe.ReplaceAllString(NormalizeDrugName(drug), "-")
	return strings.Trim(name, "-") + suffix
}

// BuildMappingID hashes the stable fields of a mapping so a rerun over the
// same label produces the same IDs.
func BuildMappingID(drug string, position int, indication string) string {
	s := sha1.Sum([]byte(NormalizeDrugName(drug) + "|" + strconv.Itoa(position) + "|" + indication))
	return hex.EncodeToString(s[:])
}
