package envelope

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deaddrop/internal/constants"
)

// Chunk is one independently encrypted slice of a large payload.
type Chunk struct {
	TransferID string
	Index      int
	Total      int
	Ciphertext string
}

// NeedsChunking reports whether a payload is large enough that it should be
// sent as a chunked transfer rather than a single envelope.
func NeedsChunking(payload string) bool {
	return len(payload) > constants.ChunkThresholdBytes
}

// Split slices payload into fixed-size chunks and encrypts each one on its
// own. Each chunk carries (transferID, index, total) so the receiver can
// reassemble regardless of arrival order. Encrypting per slice bounds the
// work done per call; callers are expected to yield between writes.
func Split(payload string, key Key) ([]Chunk, error) {
	transferID := uuid.New().String()

	total := (len(payload) + constants.ChunkSizeBytes - 1) / constants.ChunkSizeBytes
	if total == 0 {
		total = 1
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * constants.ChunkSizeBytes
		end := start + constants.ChunkSizeBytes
		if end > len(payload) {
			end = len(payload)
		}

		ciphertext, err := Encrypt(payload[start:end], key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt chunk %d/%d: %w", i, total, err)
		}

		chunks = append(chunks, Chunk{
			TransferID: transferID,
			Index:      i,
			Total:      total,
			Ciphertext: ciphertext,
		})
	}

	return chunks, nil
}

type transfer struct {
	slices   map[int]string
	total    int
	lastSeen time.Time
}

// Assembler buffers incoming chunks per transfer, decrypting each slice as
// it arrives so peak memory is bounded by one transfer's plaintext, not by
// how many payloads are mid-flight. Partial transfers that go quiet are
// evicted after a deadline.
type Assembler struct {
	mu        sync.Mutex
	key       Key
	ttl       time.Duration
	transfers map[string]*transfer
}

// NewAssembler creates an assembler decrypting with key. A non-positive ttl
// falls back to the default eviction deadline.
func NewAssembler(key Key, ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = constants.ChunkAssemblyTTLSec * time.Second
	}
	return &Assembler{
		key:       key,
		ttl:       ttl,
		transfers: make(map[string]*transfer),
	}
}

// Add decrypts and buffers one chunk. When the last missing slice arrives
// the reassembled plaintext is returned with done=true and the transfer
// state is released. A chunk that fails to decrypt aborts the whole
// transfer: a partial payload must never be delivered.
func (a *Assembler) Add(c Chunk) (payload string, done bool, err error) {
	if c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return "", false, fmt.Errorf("invalid chunk %d/%d for transfer %s", c.Index, c.Total, c.TransferID)
	}

	plaintext, err := Decrypt(c.Ciphertext, a.key)
	if err != nil {
		a.mu.Lock()
		delete(a.transfers, c.TransferID)
		a.mu.Unlock()
		return "", false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictStaleLocked()

	t, ok := a.transfers[c.TransferID]
	if !ok {
		t = &transfer{slices: make(map[int]string), total: c.Total}
		a.transfers[c.TransferID] = t
	}
	if t.total != c.Total {
		delete(a.transfers, c.TransferID)
		return "", false, fmt.Errorf("chunk count mismatch for transfer %s", c.TransferID)
	}

	t.slices[c.Index] = plaintext
	t.lastSeen = time.Now()

	if len(t.slices) < t.total {
		return "", false, nil
	}

	var sb strings.Builder
	for i := 0; i < t.total; i++ {
		sb.WriteString(t.slices[i])
	}
	delete(a.transfers, c.TransferID)

	return sb.String(), true, nil
}

// PendingTransfers returns how many partial transfers are buffered.
func (a *Assembler) PendingTransfers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

func (a *Assembler) evictStaleLocked() {
	cutoff := time.Now().Add(-a.ttl)
	for id, t := range a.transfers {
		if t.lastSeen.Before(cutoff) {
			delete(a.transfers, id)
		}
	}
}
