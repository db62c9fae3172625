package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Verifier checks raw passwords against stored bcrypt hashes.
type Verifier struct {
	cost  int
	dummy []byte
}

func NewVerifier(cost int) *Verifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("grcgate-timing-equalizer"), cost)
	if err != nil {
		panic(fmt.Sprintf("generate dummy hash: %v", err))
	}
	return &Verifier{cost: cost, dummy: dummy}
}

// Verify reports whether raw matches storedHash. An empty or malformed hash
// never matches; it still costs one comparison.
func (v *Verifier) Verify(raw, storedHash string) bool {
	if storedHash == "" {
		v.Equalize(raw)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(raw)) == nil
}

// Equalize spends one bcrypt comparison for callers that found no account, so
// response time does not reveal whether the username exists.
func (v *Verifier) Equalize(raw string) {
	_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(raw))
}

func (v *Verifier) Hash(raw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(raw), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
