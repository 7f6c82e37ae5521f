// Package qa turns bilingual Q&A documents into indexable records.
//
// A document is an arbitrary JSON tree. Extraction walks it, recognising a
// fixed set of node shapes (category labels, question lists, single
// question/answer nodes, QA wrappers), normalizes each question and answer,
// and splits complex answers into one record per point or paragraph.
// Everything in this package is pure: no I/O beyond decoding, no globals
// other than the injected ID generator.
package qa
