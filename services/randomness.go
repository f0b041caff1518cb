package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"duel-settlement-engine/models"
)

// RandomnessSource produces the target number for a session. The target must
// not be predictable by either player before resolution begins, so a source
// is asked for a commitment up front and for the target only once both picks
// are locked (or the deadline fired).
type RandomnessSource interface {
	// Commit returns (seed, seedHash) for a new session. The hash is shown
	// to players before resolution; the seed stays server-side until the
	// settlement record reveals it.
	Commit() (seed string, seedHash string, err error)

	// Target derives the target in [1,100] from the committed seed plus
	// inputs that only exist at resolution time.
	Target(seed, sessionID string, resolvedAt time.Time) (int, error)
}

// CommitRandomness is the production source: a per-session 32-byte server
// seed from crypto/rand, committed via SHA-256. The target mixes the seed
// with the session id and the resolution timestamp, so even a player who saw
// the opponent's pick first learns nothing about the draw.
type CommitRandomness struct{}

func NewCommitRandomness() *CommitRandomness { return &CommitRandomness{} }

func (r *CommitRandomness) Commit() (string, string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	seed := hex.EncodeToString(buf[:])
	sum := sha256.Sum256([]byte(seed))
	return seed, hex.EncodeToString(sum[:]), nil
}

func (r *CommitRandomness) Target(seed, sessionID string, resolvedAt time.Time) (int, error) {
	if seed == "" {
		return 0, ErrEntropyUnavailable
	}
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte(sessionID))
	// Millisecond precision survives the database round trip, so a reveal
	// can be verified from the stored settlement record alone.
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(resolvedAt.UnixMilli()))
	h.Write(ts[:])
	sum := h.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8])
	span := uint64(models.MaxPick - models.MinPick + 1)
	return models.MinPick + int(n%span), nil
}

// VerifyTarget recomputes the target from a revealed seed. Exposed so the
// fairness endpoint and disputes can check a settlement without trusting the
// engine's stored value.
func VerifyTarget(seed, sessionID string, resolvedAt time.Time, target int) bool {
	got, err := (&CommitRandomness{}).Target(seed, sessionID, resolvedAt)
	return err == nil && got == target
}
