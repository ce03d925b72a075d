package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a device-generated identifier such as "sale-6f1c...". The
// prefix keeps ids readable in logs and in the server's client_ref columns.
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
