package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"rwadesk/core/identity"
	"rwadesk/storage"
)

const (
	escrowKeyPrefix = "desk/escrow/"
	sequenceKey     = "desk/escrow/seq"
	indexKey        = "desk/escrow/index"
)

// Store persists escrow records and the monotonic id counter. Records are
// JSON-encoded; terminal escrows are retained read-only for audit and never
// deleted.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

// NewStore wraps the database in an escrow store.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedBid struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

type storedEscrow struct {
	ID        string      `json:"id"`
	Seller    string      `json:"seller"`
	Valuation string      `json:"valuation,omitempty"`
	AssetKind string      `json:"assetKind"`
	AssetRef  string      `json:"assetRef"`
	Amount    string      `json:"amount,omitempty"`
	TokenID   string      `json:"tokenId,omitempty"`
	Custody   uint8       `json:"custody"`
	Bids      []storedBid `json:"bids"`
	Status    uint8       `json:"status"`
	Winner    string      `json:"winner,omitempty"`
	CreatedAt int64       `json:"createdAt"`
}

func escrowKey(id [32]byte) []byte {
	return []byte(escrowKeyPrefix + hex.EncodeToString(id[:]))
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrValidation, s)
	}
	return v, nil
}

func encodeEscrow(e *Escrow) ([]byte, error) {
	rec := storedEscrow{
		ID:        hex.EncodeToString(e.ID[:]),
		Seller:    identity.FormatAddress(e.Seller),
		AssetKind: e.Asset.Kind.String(),
		AssetRef:  e.Asset.ContractRef,
		Custody:   uint8(e.Custody),
		Status:    uint8(e.Status),
		CreatedAt: e.CreatedAt,
	}
	if e.Valuation != nil {
		rec.Valuation = e.Valuation.String()
	}
	if e.Asset.Amount != nil {
		rec.Amount = e.Asset.Amount.String()
	}
	if e.Asset.TokenID != nil {
		rec.TokenID = e.Asset.TokenID.String()
	}
	if e.Winner != nil {
		rec.Winner = identity.FormatAddress(*e.Winner)
	}
	rec.Bids = make([]storedBid, 0, len(e.Bidders))
	for _, bidder := range e.Bidders {
		amount := e.Bids[bidder]
		if amount == nil {
			amount = big.NewInt(0)
		}
		rec.Bids = append(rec.Bids, storedBid{
			Bidder: identity.FormatAddress(bidder),
			Amount: amount.String(),
		})
	}
	return json.Marshal(rec)
}

func decodeEscrow(raw []byte) (*Escrow, error) {
	var rec storedEscrow
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode escrow: %v", ErrValidation, err)
	}
	idBytes, err := hex.DecodeString(rec.ID)
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("%w: malformed escrow id %q", ErrValidation, rec.ID)
	}
	esc := &Escrow{
		Custody:   CustodyState(rec.Custody),
		Status:    Status(rec.Status),
		CreatedAt: rec.CreatedAt,
		Bids:      make(map[identity.Address]*big.Int, len(rec.Bids)),
	}
	copy(esc.ID[:], idBytes)
	if esc.Seller, err = identity.ParseAddress(rec.Seller); err != nil {
		return nil, err
	}
	kind, err := ParseAssetKind(rec.AssetKind)
	if err != nil {
		return nil, err
	}
	esc.Asset = AssetDescriptor{Kind: kind, ContractRef: rec.AssetRef}
	if rec.Amount != "" {
		if esc.Asset.Amount, err = parseBig(rec.Amount); err != nil {
			return nil, err
		}
	}
	if rec.TokenID != "" {
		if esc.Asset.TokenID, err = parseBig(rec.TokenID); err != nil {
			return nil, err
		}
	}
	if rec.Valuation != "" {
		if esc.Valuation, err = parseBig(rec.Valuation); err != nil {
			return nil, err
		}
	}
	if rec.Winner != "" {
		winner, err := identity.ParseAddress(rec.Winner)
		if err != nil {
			return nil, err
		}
		esc.Winner = &winner
	}
	for _, b := range rec.Bids {
		bidder, err := identity.ParseAddress(b.Bidder)
		if err != nil {
			return nil, err
		}
		amount, err := parseBig(b.Amount)
		if err != nil {
			return nil, err
		}
		esc.Bidders = append(esc.Bidders, bidder)
		esc.Bids[bidder] = amount
	}
	return esc, nil
}

// Put validates and persists the escrow record.
func (s *Store) Put(e *Escrow) error {
	sanitized, err := Sanitize(e)
	if err != nil {
		return err
	}
	raw, err := encodeEscrow(sanitized)
	if err != nil {
		return err
	}
	if err := s.db.Put(escrowKey(sanitized.ID), raw); err != nil {
		return err
	}
	return s.indexAdd(sanitized.ID)
}

// Get loads the escrow with the given identifier.
func (s *Store) Get(id [32]byte) (*Escrow, bool, error) {
	raw, err := s.db.Get(escrowKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	esc, err := decodeEscrow(raw)
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// NextSequence atomically advances and persists the monotonic id counter.
// Values are never reused, even after an escrow reaches a terminal state.
func (s *Store) NextSequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq uint64
	raw, err := s.db.Get([]byte(sequenceKey))
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		seq = 0
	case err != nil:
		return 0, err
	case len(raw) != 8:
		return 0, fmt.Errorf("%w: malformed sequence record", ErrValidation)
	default:
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := s.db.Put([]byte(sequenceKey), buf); err != nil {
		return 0, err
	}
	return seq, nil
}

// List returns the identifiers of every stored escrow in creation order.
func (s *Store) List() ([][32]byte, error) {
	raw, err := s.db.Get([]byte(indexKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hexIDs []string
	if err := json.Unmarshal(raw, &hexIDs); err != nil {
		return nil, fmt.Errorf("%w: decode escrow index: %v", ErrValidation, err)
	}
	ids := make([][32]byte, 0, len(hexIDs))
	for _, h := range hexIDs {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: malformed index entry %q", ErrValidation, h)
		}
		var id [32]byte
		copy(id[:], b)
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) indexAdd(id [32]byte) error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	hexIDs := make([]string, 0, len(ids)+1)
	for _, existing := range ids {
		hexIDs = append(hexIDs, hex.EncodeToString(existing[:]))
	}
	hexIDs = append(hexIDs, hex.EncodeToString(id[:]))
	raw, err := json.Marshal(hexIDs)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(indexKey), raw)
}
