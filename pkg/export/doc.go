// Package export provides backup and restore of a client's usage rows.
//
// # Formats
//
// JSON keeps every row field (session, lastModified, version) plus export
// metadata and can be imported again. CSV is a flat export for spreadsheets
// and cannot be imported.
//
// # HTTP API
//
// Export endpoint: GET /export
// Query parameters:
//   - clientId: whose rows to export (default: the caller's X-Client-Id)
//   - format: "json" or "csv" (default: json)
//   - startDate, endDate: inclusive YYYYMMDD range (default: last 30 days)
//
// Example:
//
//	curl -H "X-API-Key: $KEY" "http://localhost:8080/export?clientId=laptop&startDate=20240101" \
//	  -o backup.json
//
// Import endpoint: POST /import
//
//	curl -X POST -H "X-API-Key: $KEY" -H "Content-Type: application/json" \
//	  "http://localhost:8080/import?clientId=laptop" -d @backup.json
//
// # Import semantics
//
// Imported rows go through the normal sync path, so the merge rules apply.
// Each import runs as a fresh session and rows keep their lastModified, so
// importing the same backup twice is a no-op: the second copy is rejected
// as not newer.
// Invalid rows are skipped and listed in ImportResult.Errors.
package export
