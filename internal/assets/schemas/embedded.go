// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works in installed
// binaries regardless of the working directory.
package schemasassets

import _ "embed"

// SubmitRequestSchema validates a single job submission (POST /v1/jobs).
//
//go:embed submit-request.schema.json
var SubmitRequestSchema []byte

// SubmitManifestSchema validates a batch submission manifest
// (jobvault submit --file).
//
//go:embed submit-manifest.schema.json
var SubmitManifestSchema []byte
