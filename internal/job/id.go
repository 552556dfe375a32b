package job

import (
	"strings"

	"github.com/google/uuid"
)

const (
	idPrefix  = "j-"
	uuidLen   = 36
	minIDSize = len(idPrefix) + 1 + 1 + uuidLen
)

// NewID returns a job identifier owned by replicaID.
//
// Example: j-bridge-a-3f2b8c1e-5d7a-4f0e-9c1b-2a6d8e4f7b90
func NewID(replicaID string) string {
	return idPrefix + replicaID + "-" + uuid.NewString()
}

// OwnerOf extracts the owning replica from a job ID.
//
// Returns:
//   - string: The replica ID embedded in the job ID
//   - bool: false if the ID is not in the j-{replica}-{uuid} form
func OwnerOf(jobID string) (string, bool) {
	if len(jobID) < minIDSize || !strings.HasPrefix(jobID, idPrefix) {
		return "", false
	}
	sep := len(jobID) - uuidLen - 1
	if jobID[sep] != '-' {
		return "", false
	}
	if _, err := uuid.Parse(jobID[sep+1:]); err != nil {
		return "", false
	}
	return jobID[len(idPrefix):sep], true
}
