// Package utils provides small helpers shared across factmemory packages.
//
// This package contains:
//   - Vector math and similarity quantization (vector.go)
//   - The vector text codec used by the SQL backends (vector.go)
//   - Batching and ordered de-duplication helpers (batch.go)
//   - A bounded worker pool for multi-chapter processing (concurrent.go)
//   - Panic recovery helpers for goroutines (recovery.go)
package utils
