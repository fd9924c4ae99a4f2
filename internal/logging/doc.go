// Package logging configures structured JSON logging for amanrag.
//
// Logs go to a size-rotated file under ~/.amanrag/logs/ and, unless
// disabled, to stderr. The --debug flag lowers the level to debug so every
// pipeline stage (retrieval, rescue, fusion, filters) is traced.
package logging
