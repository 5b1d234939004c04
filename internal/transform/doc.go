// Package transform defines the stage interface the pipeline runner drives
// (open, one Transform call per row, close) and its implementations: the
// external-script stage, the document lookup stage and an in-process adapter
// for Go functions.
package transform
