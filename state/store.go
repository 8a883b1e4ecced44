package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"lendnet/crypto"
	"lendnet/native/lending"
	"lendnet/storage"
)

const (
	reserveKeyFormat  = "lending/reserve/%s"
	positionKeyFormat = "lending/position/%s/%x"
	feesKeyFormat     = "lending/fees/%s"
	accountsKeyFormat = "lending/accounts/%x"
)

// Store persists the lending engine's records as RLP entries in a key-value
// database. It satisfies the engine's state interface.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedReserve struct {
	Asset           string
	TotalDeposits   *big.Int
	TotalBorrows    *big.Int
	BorrowIndex     *big.Int
	LastAccrualTime uint64
}

type storedPosition struct {
	Asset               string
	Address             [20]byte
	DepositPrincipal    *big.Int
	BorrowPrincipal     *big.Int
	BorrowIndexSnapshot *big.Int
	TotalBorrowed       *big.Int
}

type storedFees struct {
	Reserves *big.Int
}

func (s *Store) GetReserve(asset string) (*lending.ReserveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get([]byte(fmt.Sprintf(reserveKeyFormat, asset)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry storedReserve
	if err := rlp.DecodeBytes(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode reserve %s: %w", asset, err)
	}
	return &lending.ReserveState{
		Asset:           entry.Asset,
		TotalDeposits:   entry.TotalDeposits,
		TotalBorrows:    entry.TotalBorrows,
		BorrowIndex:     entry.BorrowIndex,
		LastAccrualTime: entry.LastAccrualTime,
	}, nil
}

func (s *Store) PutReserve(reserve *lending.ReserveState) error {
	if reserve == nil {
		return errors.New("state: nil reserve")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := storedReserve{
		Asset:           reserve.Asset,
		TotalDeposits:   orZero(reserve.TotalDeposits),
		TotalBorrows:    orZero(reserve.TotalBorrows),
		BorrowIndex:     orZero(reserve.BorrowIndex),
		LastAccrualTime: reserve.LastAccrualTime,
	}
	raw, err := rlp.EncodeToBytes(&entry)
	if err != nil {
		return fmt.Errorf("encode reserve %s: %w", reserve.Asset, err)
	}
	return s.db.Put([]byte(fmt.Sprintf(reserveKeyFormat, reserve.Asset)), raw)
}

func (s *Store) GetPosition(asset string, addr crypto.Address) (*lending.UserPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(positionKey(asset, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry storedPosition
	if err := rlp.DecodeBytes(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode position %s/%s: %w", asset, addr, err)
	}
	return &lending.UserPosition{
		Asset:               entry.Asset,
		Address:             crypto.NewAddress(crypto.LendPrefix, append([]byte(nil), entry.Address[:]...)),
		DepositPrincipal:    entry.DepositPrincipal,
		BorrowPrincipal:     entry.BorrowPrincipal,
		BorrowIndexSnapshot: entry.BorrowIndexSnapshot,
		TotalBorrowed:       entry.TotalBorrowed,
	}, nil
}

func (s *Store) PutPosition(position *lending.UserPosition) error {
	if position == nil {
		return errors.New("state: nil position")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := storedPosition{
		Asset:               position.Asset,
		DepositPrincipal:    orZero(position.DepositPrincipal),
		BorrowPrincipal:     orZero(position.BorrowPrincipal),
		BorrowIndexSnapshot: orZero(position.BorrowIndexSnapshot),
		TotalBorrowed:       orZero(position.TotalBorrowed),
	}
	copy(entry.Address[:], position.Address.Bytes())
	raw, err := rlp.EncodeToBytes(&entry)
	if err != nil {
		return fmt.Errorf("encode position %s/%s: %w", position.Asset, position.Address, err)
	}
	if err := s.db.Put(positionKey(position.Asset, position.Address), raw); err != nil {
		return err
	}
	return s.indexAccountAsset(position.Address, position.Asset)
}

func (s *Store) UserAssets(addr crypto.Address) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAssetsLocked(addr)
}

func (s *Store) GetFeeAccrual(asset string) (*lending.FeeAccrual, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get([]byte(fmt.Sprintf(feesKeyFormat, asset)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry storedFees
	if err := rlp.DecodeBytes(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode fees %s: %w", asset, err)
	}
	return &lending.FeeAccrual{ReservesWei: entry.Reserves}, nil
}

func (s *Store) PutFeeAccrual(asset string, fees *lending.FeeAccrual) error {
	if fees == nil {
		return errors.New("state: nil fee accrual")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := rlp.EncodeToBytes(&storedFees{Reserves: orZero(fees.ReservesWei)})
	if err != nil {
		return fmt.Errorf("encode fees %s: %w", asset, err)
	}
	return s.db.Put([]byte(fmt.Sprintf(feesKeyFormat, asset)), raw)
}

func (s *Store) indexAccountAsset(addr crypto.Address, asset string) error {
	assets, err := s.userAssetsLocked(addr)
	if err != nil {
		return err
	}
	for _, existing := range assets {
		if existing == asset {
			return nil
		}
	}
	assets = append(assets, asset)
	sort.Strings(assets)
	raw, err := rlp.EncodeToBytes(assets)
	if err != nil {
		return fmt.Errorf("encode account index %s: %w", addr, err)
	}
	return s.db.Put([]byte(fmt.Sprintf(accountsKeyFormat, addr.Bytes())), raw)
}

func (s *Store) userAssetsLocked(addr crypto.Address) ([]string, error) {
	raw, err := s.db.Get([]byte(fmt.Sprintf(accountsKeyFormat, addr.Bytes())))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var assets []string
	if err := rlp.DecodeBytes(raw, &assets); err != nil {
		return nil, fmt.Errorf("decode account index %s: %w", addr, err)
	}
	return assets, nil
}

func positionKey(asset string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf(positionKeyFormat, asset, addr.Bytes()))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
