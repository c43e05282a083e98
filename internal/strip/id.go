package strip

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// NewID creates a strip identifier of the form <source>-<base58(uuidv7)>.
// The prefix exists for log readability only; nothing parses it back.
func NewID(src Source) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return fmt.Sprintf("%s-%s", src, base58.Encode(u[:]))
}
