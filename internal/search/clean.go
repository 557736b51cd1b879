package search

import "github.com/airweave/airweave/pkg/models"

// CleanResults strips server-internal payload fields before results leave
// the API: local file paths, checksums, short-lived download URLs and the
// sync bookkeeping under airweave_system_metadata. Mutates in place.
func CleanResults(hits []models.SearchResult) {
	for _, hit := range hits {
		if hit.Payload == nil {
			continue
		}
		delete(hit.Payload, "textual_representation")
		if file, ok := hit.Payload["file"].(map[string]any); ok {
			delete(file, "local_path")
			delete(file, "checksum")
			delete(file, "download_url")
		}
		if meta, ok := hit.Payload["airweave_system_metadata"].(map[string]any); ok {
			delete(meta, "sync_id")
			delete(meta, "sync_job_id")
			delete(meta, "hash")
		}
	}
}
