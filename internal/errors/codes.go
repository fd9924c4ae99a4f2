// Package errors provides structured error handling for amanrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (corpus, index files)
//   - 3XX: Retrieval backend errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates corpus and index storage errors.
	CategoryStorage Category = "STORAGE"
	// CategoryBackend indicates vector, lexical or embedding backend errors.
	CategoryBackend Category = "BACKEND"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeCorpusNotFound  = "ERR_201_CORPUS_NOT_FOUND"
	ErrCodeCorpusMalformed = "ERR_202_CORPUS_MALFORMED"
	ErrCodeIndexClosed     = "ERR_203_INDEX_CLOSED"
	ErrCodeCorruptIndex    = "ERR_204_CORRUPT_INDEX"
	ErrCodeIndexNotFound   = "ERR_205_INDEX_NOT_FOUND"

	// Backend errors (300-399)
	ErrCodeVectorUnavailable  = "ERR_301_VECTOR_UNAVAILABLE"
	ErrCodeLexicalUnavailable = "ERR_302_LEXICAL_UNAVAILABLE"
	ErrCodeLexicalNotReady    = "ERR_303_LEXICAL_NOT_READY"
	ErrCodeEmbeddingFailed    = "ERR_304_EMBEDDING_FAILED"
	ErrCodeBackendTimeout     = "ERR_305_BACKEND_TIMEOUT"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidTopK       = "ERR_403_INVALID_TOP_K"

	// Internal errors (500-599)
	ErrCodeInternal = "ERR_501_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "ERR_301_..." -> '3'
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryBackend
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if code == ErrCodeCorruptIndex {
		return SeverityFatal
	}

	// Backend failures degrade a single query path, they never abort a search.
	if categoryFromCode(code) == CategoryBackend {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeVectorUnavailable, ErrCodeLexicalUnavailable,
		ErrCodeLexicalNotReady, ErrCodeEmbeddingFailed, ErrCodeBackendTimeout:
		return true
	default:
		return false
	}
}
