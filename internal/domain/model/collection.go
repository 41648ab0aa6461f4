package model

import (
	"crypto/md5"
	"encoding/hex"
)

// CollectionName derives the per-project vector collection name, so repeated
// ingestion for the same service and project reuses one collection.
func CollectionName(serviceID, projectID string) string {
	sum := md5.Sum([]byte(serviceID + "_" + projectID))
	return "proj_" + hex.EncodeToString(sum[:])
}
