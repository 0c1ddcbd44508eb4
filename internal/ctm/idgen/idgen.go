// Package idgen generates the short opaque task ids used throughout CTM
// (spec.md §3.1: "short opaque id (8 printable characters, unique)").
package idgen

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// alphabet avoids visually ambiguous characters (0/O, 1/I/L) the way the
// teacher's short-id helpers (internal/shared/utils/id) favor readable,
// copy-pasteable identifiers over raw hex/UUID.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// New returns a fresh 8-character opaque task id, derived from a UUIDv4 for
// its entropy and re-encoded into the CTM alphabet so ids stay short and
// printable rather than surfacing a raw UUID.
func New() string {
	u := uuid.New()
	encoded := encoding.EncodeToString(u[:])
	return strings.ToUpper(encoded[:8])
}
