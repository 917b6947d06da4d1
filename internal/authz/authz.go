// Package authz verifies client and master credentials and keeps the
// per-client failure history that drives the authorization back-off.
//
// Passwords are checked against the stored bcrypt hash; master identities
// are checked against hex(sha256(machineId || masterUUID)) as persisted by
// the pairing coordinator.
package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// basePenalty scales the quadratic back-off: after n failures the next
	// attempt from the same client name waits min(n²·basePenalty, maxPenalty).
	basePenalty = 500 * time.Millisecond
	maxPenalty  = 30 * time.Second

	// maxHistoryKeep prunes fail records after this much inactivity.
	maxHistoryKeep = 30 * time.Minute

	// maxRecords caps the fail-record list; the oldest record without a live
	// session is evicted when the cap is hit.
	maxRecords = 64
)

// failRecord tracks the authorization failures of one remote client name.
type failRecord struct {
	count    int
	lastFail time.Time
	// live is the number of open sessions for this client name; records with
	// live sessions are not evicted by the cap.
	live int
}

// Registry is the process-wide authorization fail history. Safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[string]*failRecord
	clock   clockwork.Clock
	log     *zap.Logger
}

// New creates an empty registry.
func New(clock clockwork.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		records: make(map[string]*failRecord),
		clock:   clock,
		log:     logger.Named("authz"),
	}
}

// HashUUID computes the persisted master identity hash from the machine id
// and the decrypted master UUID.
func HashUUID(machineID, masterUUID string) string {
	sum := sha256.Sum256([]byte(machineID + masterUUID))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword checks a plaintext password against the stored bcrypt
// hash. An empty stored hash never verifies.
func VerifyPassword(storedHash, password string) bool {
	if storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// HashPassword produces the bcrypt hash stored in the global config.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyMasterHash compares a computed identity hash against the persisted
// one in constant time.
func VerifyMasterHash(storedHash, computedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computedHash)) == 1
}

// Penalty returns the remaining back-off before the named client may be
// served, 0 when none.
func (r *Registry) Penalty(clientName string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientName]
	if !ok || rec.count == 0 {
		return 0
	}
	penalty := time.Duration(rec.count*rec.count) * basePenalty
	if penalty > maxPenalty {
		penalty = maxPenalty
	}
	elapsed := r.clock.Since(rec.lastFail)
	if elapsed >= penalty {
		return 0
	}
	return penalty - elapsed
}

// OnFailure records a failed authorization attempt for the named client,
// creating the record if necessary.
func (r *Registry) OnFailure(clientName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientName]
	if !ok {
		r.evictLocked()
		rec = &failRecord{}
		r.records[clientName] = rec
	}
	rec.count++
	rec.lastFail = r.clock.Now()

	r.log.Warn("authorization failure",
		zap.String("client", clientName),
		zap.Int("fail_count", rec.count),
	)
}

// OnSuccess clears the fail record of the named client.
func (r *Registry) OnSuccess(clientName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, clientName)
}

// SessionOpened marks a live session for the client name, protecting its
// record from cap eviction.
func (r *Registry) SessionOpened(clientName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[clientName]; ok {
		rec.live++
	}
}

// SessionClosed releases a live-session mark.
func (r *Registry) SessionClosed(clientName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[clientName]; ok && rec.live > 0 {
		rec.live--
	}
}

// Prune drops records older than maxHistoryKeep with no live session.
// Called periodically by the server's purger.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-maxHistoryKeep)
	for name, rec := range r.records {
		if rec.live == 0 && rec.lastFail.Before(cutoff) {
			delete(r.records, name)
		}
	}
}

// evictLocked makes room under the record cap by dropping the oldest record
// without a live session. Caller holds the lock.
func (r *Registry) evictLocked() {
	if len(r.records) < maxRecords {
		return
	}
	var (
		oldestName string
		oldestTime time.Time
	)
	for name, rec := range r.records {
		if rec.live > 0 {
			continue
		}
		if oldestName == "" || rec.lastFail.Before(oldestTime) {
			oldestName = name
			oldestTime = rec.lastFail
		}
	}
	if oldestName != "" {
		delete(r.records, oldestName)
	}
}
