package cmr

import (
	"strings"

	"github.com/pkg/errors"
)

// Chunk is one piece of text extracted from a concept for embedding.
// Concepts are split into chunks by attribute (title, abstract, ...) so
// similarity matches land on the specific relevant text.
type Chunk struct {
	ConceptType string
	ConceptID   string
	Attribute   string
	TextContent string
}

// TermRef references a controlled-vocabulary term found in concept
// metadata, to be looked up in KMS and linked to the concept.
type TermRef struct {
	Term   string
	Scheme string
}

// ExtractionResult is the embeddable data extracted from one concept.
type ExtractionResult struct {
	Chunks   []Chunk
	KmsTerms []TermRef
}

// Field mappings: UMM field names -> attribute names per concept type.
var (
	collectionFields = [][2]string{
		{"EntryTitle", "title"},
		{"Abstract", "abstract"},
		{"Purpose", "purpose"},
	}
	variableFields = [][2]string{
		{"Name", "name"},
		{"LongName", "long_name"},
		{"Definition", "definition"},
	}
	citationFields = [][2]string{
		{"Name", "name"},
		{"Abstract", "abstract"},
	}
)

// ExtractData extracts chunks and KMS term references from one concept's
// UMM metadata. An unknown concept type yields an empty result.
func ExtractData(conceptType, conceptID string, metadata map[string]any) ExtractionResult {
	switch conceptType {
	case "collection":
		return ExtractionResult{
			Chunks:   extractTextChunks(conceptType, conceptID, metadata, collectionFields),
			KmsTerms: append(extractScienceKeywords(metadata), extractPlatformsAndInstruments(metadata)...),
		}
	case "variable":
		return ExtractionResult{
			Chunks:   extractTextChunks(conceptType, conceptID, metadata, variableFields),
			KmsTerms: extractScienceKeywords(metadata),
		}
	case "citation":
		chunks := extractTextChunks(conceptType, conceptID, metadata, citationFields)
		if authors := extractCitationAuthors(conceptID, metadata); authors != nil {
			chunks = append(chunks, *authors)
		}
		if publisher := extractCitationPublisher(conceptID, metadata); publisher != nil {
			chunks = append(chunks, *publisher)
		}
		return ExtractionResult{Chunks: chunks}
	default:
		return ExtractionResult{}
	}
}

func extractTextChunks(conceptType, conceptID string, metadata map[string]any, fieldMap [][2]string) []Chunk {
	chunks := []Chunk{}
	for _, mapping := range fieldMap {
		if text, ok := metadata[mapping[0]].(string); ok && text != "" {
			chunks = append(chunks, Chunk{
				ConceptType: conceptType,
				ConceptID:   conceptID,
				Attribute:   mapping[1],
				TextContent: text,
			})
		}
	}
	return chunks
}

// extractScienceKeywords extracts the most specific level available from
// each hierarchical science keyword (VariableLevel3 > 2 > 1 > Term).
func extractScienceKeywords(metadata map[string]any) []TermRef {
	terms := []TermRef{}
	keywords, _ := metadata["ScienceKeywords"].([]any)
	for _, raw := range keywords {
		kw, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, level := range []string{"VariableLevel3", "VariableLevel2", "VariableLevel1", "Term"} {
			if term, ok := kw[level].(string); ok && term != "" {
				terms = append(terms, TermRef{Term: term, Scheme: "sciencekeywords"})
				break
			}
		}
	}
	return terms
}

func extractPlatformsAndInstruments(metadata map[string]any) []TermRef {
	terms := []TermRef{}
	platforms, _ := metadata["Platforms"].([]any)
	for _, raw := range platforms {
		platform, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := platform["ShortName"].(string); ok && name != "" {
			terms = append(terms, TermRef{Term: name, Scheme: "platforms"})
		}
		instruments, _ := platform["Instruments"].([]any)
		for _, rawInstrument := range instruments {
			instrument, ok := rawInstrument.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := instrument["ShortName"].(string); ok && name != "" {
				terms = append(terms, TermRef{Term: name, Scheme: "instruments"})
			}
		}
	}
	return terms
}

func extractCitationAuthors(conceptID string, metadata map[string]any) *Chunk {
	citationMetadata, _ := metadata["CitationMetadata"].(map[string]any)
	authors, _ := citationMetadata["Author"].([]any)

	names := []string{}
	for _, raw := range authors {
		author, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		given, _ := author["Given"].(string)
		family, _ := author["Family"].(string)
		switch {
		case given != "" && family != "":
			names = append(names, given+" "+family)
		case family != "":
			names = append(names, family)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &Chunk{
		ConceptType: "citation",
		ConceptID:   conceptID,
		Attribute:   "authors",
		TextContent: strings.Join(names, "; "),
	}
}

func extractCitationPublisher(conceptID string, metadata map[string]any) *Chunk {
	citationMetadata, _ := metadata["CitationMetadata"].(map[string]any)
	if publisher, ok := citationMetadata["Publisher"].(string); ok && publisher != "" {
		return &Chunk{
			ConceptType: "citation",
			ConceptID:   conceptID,
			Attribute:   "publisher",
			TextContent: publisher,
		}
	}
	return nil
}

// ConceptInfo identifies one concept revision found by a catalog search.
type ConceptInfo struct {
	ConceptType string
	ConceptID   string
	RevisionID  int
}

// ExtractConceptInfo pulls the concept and revision identifiers out of a
// CMR search result item.
func ExtractConceptInfo(conceptType string, item map[string]any) (*ConceptInfo, error) {
	meta, _ := item["meta"].(map[string]any)
	conceptID, _ := meta["concept-id"].(string)
	revisionID, ok := meta["revision-id"].(float64)
	if conceptID == "" || !ok {
		return nil, &Error{
			Op:  "extract concept info",
			Err: errors.Errorf("missing concept-id or revision-id in item meta: %v", meta),
		}
	}
	return &ConceptInfo{
		ConceptType: conceptType,
		ConceptID:   conceptID,
		RevisionID:  int(revisionID),
	}, nil
}
