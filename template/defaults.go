package template

// DocumentHeading introduces the document text in built-in prompts.
const DocumentHeading = "Document:"

var defaultInstructions = map[ProcessingType]string{
	TypeTenderExtraction: "Extract the key information from this tender document: issuing organization, " +
		"reference number, title, scope of work, budget, submission deadline, eligibility requirements, " +
		"evaluation criteria and required documents. Return the fields as JSON.",
	TypeTenderAnalysis: "Analyze this tender document. Identify the main opportunities and risks, the " +
		"feasibility of the requirements and the competitive factors a bidder should consider.",
	TypeComplianceCheck: "Check this document for compliance with the applicable procurement rules. List every " +
		"requirement, whether it is met, and the evidence in the text for each decision.",
	TypeDocumentSummary: "Summarize this document in a few paragraphs, keeping dates, amounts and obligations exact.",
	TypeDataExtraction: "Extract all structured data from this document (names, dates, amounts, quantities, " +
		"identifiers) and return it as JSON.",
	TypeClassification: "Classify this document. Give its document type, procurement category and subject area, " +
		"with a confidence between 0 and 1 for each.",
	TypeTranslation: "Translate this document into English. Preserve formatting, numbering and legal terminology.",
	TypeComparison:  "Compare the sections of this document and list the substantive differences between them.",
	TypeValidation: "Validate this document for completeness and internal consistency. Report missing sections, " +
		"contradictions and invalid values.",
	TypeCustom: "Process this document according to the instructions provided.",
}

// DefaultInstruction returns the built-in instruction text for a processing
// type. Unknown types get the custom instruction.
func DefaultInstruction(pt ProcessingType) string {
	if s, ok := defaultInstructions[pt]; ok {
		return s
	}
	return defaultInstructions[TypeCustom]
}

// DefaultPrompt is the prompt used when a job has neither a template nor
// custom instructions: the type's instruction with the document appended.
func DefaultPrompt(pt ProcessingType, document string) string {
	return DefaultInstruction(pt) + "\n\n" + DocumentHeading + "\n" + document
}

// DefaultOutputFormat is the output format built-in prompts ask for.
func DefaultOutputFormat(pt ProcessingType) string {
	switch pt {
	case TypeTenderExtraction, TypeDataExtraction, TypeClassification:
		return FormatJSON
	default:
		return FormatText
	}
}
