package console

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/syncular/syncular/internal/storage"
)

func newID() string { return uuid.NewString() }

var auditFailureOnce sync.Once

// logOperationAuditFailure logs the first operation-audit write failure
// of the process only, whatever its operation type; later failures are
// not logged.
func logOperationAuditFailure(opType storage.OperationType, err error) {
	auditFailureOnce.Do(func() {
		log.Printf("console: operation audit write failed for %s: %v (further failures are suppressed)", opType, err)
	})
}
