package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

/*
Shared-canvas synchronization core with properties:
- local edits are visible immediately and survive stale authoritative snapshots
  for a bounded protection window
- shape mutation is gated by advisory per-shape locks
- presence (cursor, currently editing) is broadcast at a governed rate and
  cleaned up on disconnect
- undo/redo history survives the swap from temporary local ids to
  server-assigned permanent ids
- authoritative writes are coalesced into batched transactions

The authoritative backend is last-writer-wins. Writes are at-least-once with
idempotent overwrite semantics.
*/

const tempIdPrefix = "tmp-"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// NewShapeId creates a permanent shape id. Permanent ids are assigned by the
// authoritative store on commit; adapters use this to mint them.
func NewShapeId() string {
	return NewId().String()
}

// NewTempShapeId creates a locally generated shape id for a zero-latency
// optimistic insert. The id is replaced by a permanent id on commit.
func NewTempShapeId() string {
	return tempIdPrefix + uuid.NewString()
}

func IsTempShapeId(shapeId string) bool {
	return strings.HasPrefix(shapeId, tempIdPrefix)
}

// SessionUser is the authenticated identity a session acts as.
// The display fields are denormalized onto locks and presence records.
type SessionUser struct {
	UserId      string
	DisplayName string
	Color       string
}

func Ptr[T any](value T) *T {
	return &value
}
