package domain

import (
	"strings"
)

// Category is a coarse entity class a provider can recognise (e.g. "bird").
type Category string

const (
	CategoryGeneral Category = "general"
	CategoryBird    Category = "bird"
	CategoryPlant   Category = "plant"
	CategoryInsect  Category = "insect"
	CategoryMammal  Category = "mammal"
	CategoryFungus  Category = "fungus"
	CategorySound   Category = "sound"
)

// NormalizeCategory lower-cases and trims a category tag.
func NormalizeCategory(c string) Category {
	return Category(strings.ToLower(strings.TrimSpace(c)))
}

// BoundingBox locates a detection inside an image, in relative [0,1] coordinates.
type BoundingBox struct {
	X      float64 `json:"x"      yaml:"x"`
	Y      float64 `json:"y"      yaml:"y"`
	Width  float64 `json:"width"  yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Identification is a single candidate produced by one provider.
type Identification struct {
	Name           string         `json:"name"                   yaml:"name"`
	Confidence     float64        `json:"confidence"             yaml:"confidence"`
	Category       Category       `json:"category"               yaml:"category"`
	SourceProvider string         `json:"source_provider"        yaml:"-"`
	BoundingBox    *BoundingBox   `json:"bounding_box,omitempty" yaml:"bounding_box"`
	Metadata       map[string]any `json:"metadata,omitempty"     yaml:"metadata"`
}

// EntityKey is the grouping key used when merging identifications across
// providers: case-insensitive and whitespace-trimmed. No fuzzy matching.
func EntityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// AggregatedIdentification merges all identifications sharing an EntityKey.
type AggregatedIdentification struct {
	Name                  string   `json:"name"`
	Category              Category `json:"category,omitempty"`
	MergedConfidence      float64  `json:"merged_confidence"`
	ContributingProviders []string `json:"contributing_providers"`
}
