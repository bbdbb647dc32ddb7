// Package embeddings provides local ONNX text embeddings via FastEmbed.
//
// The epitaph index defaults to a hashing embedder that needs no model
// files. FastEmbed gives the index real semantic similarity at the cost of
// CGO, the ONNX runtime and a one-time model download. Binaries built
// without CGO get a stub that reports ErrFastEmbedNotAvailable.
package embeddings
