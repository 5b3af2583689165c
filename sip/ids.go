package sip

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voclab/sipcall/internal/util"
)

// Process-wide counters. The CSeq seed and the global id are seeded on
// package init and again on each [ResetIDs] call; message ids count up
// from zero for the life of the process.
var (
	msgIDSeed atomic.Uint64
	cseqSeed  atomic.Uint32
	globalID  atomic.Pointer[string]
)

func init() { ResetIDs() }

// ResetIDs reseeds the process-wide id generators.
func ResetIDs() {
	u := uuid.New()
	cseqSeed.Store(binary.BigEndian.Uint32(u[:4]) % 0x7FFF_FFFF)
	gid := util.RandString(8)
	globalID.Store(&gid)
}

// NextMsgID returns a fresh message id.
func NextMsgID() MsgID { return MsgID(msgIDSeed.Add(1)) }

// NextCSeq returns the next value of the global CSeq counter.
func NextCSeq() uint32 { return cseqSeed.Add(1) }

// GlobalID returns the per-process random id mixed into NkQ route tokens.
func GlobalID() string { return *globalID.Load() }

// NewTag returns a fresh From/To tag.
func NewTag() string { return util.RandString(6) }

// NewBranch returns a fresh RFC 3261 branch.
func NewBranch() string { return MagicCookie + util.RandString(8) }

// NewCallID returns a fresh Call-ID.
func NewCallID() string { return uuid.NewString() }

// NewInstanceID returns a fresh +sip.instance URN.
func NewInstanceID() string { return "<urn:uuid:" + uuid.NewString() + ">" }
