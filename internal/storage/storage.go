// Copyright 2026 Meshpay Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists channel claims in Badger. The latest claim per
// (peer, chain, channel) is written through a monotonicity compare-and-swap;
// a history row per claim supports settlement retrieval by recency.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/meshpay/ilpd/internal/claims"
	"github.com/meshpay/ilpd/internal/config"
	"github.com/meshpay/ilpd/internal/logging"
)

const fingerprintKey = "config_fingerprint"

type Storage struct {
	db *badger.DB
	// keyLocks serializes writes per (peer, chain, channel) so the
	// monotonicity CAS holds across concurrent arrivals
	keyLocks sync.Map
}

var globalStorage = &Storage{}

func (s *Storage) Load() error {
	cfg := config.GetConfig()
	badgerOpts := badger.DefaultOptions(cfg.Storage.Directory).
		WithLogger(NewBadgerLogger()).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return err
	}
	s.db = db
	if err := s.compareFingerprint(); err != nil {
		return err
	}
	return nil
}

// LoadInMemory opens an in-memory database, used by tests
func (s *Storage) LoadInMemory() error {
	badgerOpts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(NewBadgerLogger()).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) compareFingerprint() error {
	cfg := config.GetConfig()
	fingerprint := fmt.Sprintf(
		"connector=%s,evm=%t,xrp=%t,aptos=%t",
		cfg.Connector.Address,
		cfg.Chains.Evm.Enabled,
		cfg.Chains.Xrp.Enabled,
		cfg.Chains.Aptos.Enabled,
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fingerprintKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return txn.Set([]byte(fingerprintKey), []byte(fingerprint))
			}
			return err
		}
		return item.Value(func(v []byte) error {
			if string(v) != fingerprint {
				return fmt.Errorf(
					"config fingerprint in DB doesn't match current config: %s",
					v,
				)
			}
			return nil
		})
	})
	return err
}

func claimKey(peerId string, chain claims.Chain, channelKey string) string {
	return fmt.Sprintf("claim_%s_%s_%s", peerId, chain, channelKey)
}

func claimHistoryPrefix(peerId string, chain claims.Chain) string {
	return fmt.Sprintf("claimhist_%s_%s_", peerId, chain)
}

// PutClaim persists c as the latest claim for its channel. The write is a
// logical compare-and-swap: a claim that no longer strictly supersedes the
// persisted latest is rejected with claims.ErrStaleClaim.
func (s *Storage) PutClaim(peerId string, c claims.Claim) error {
	key := claimKey(peerId, c.ChainName(), c.ChannelKey())
	lock, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()
	logger := logging.GetLogger()
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			var prev claims.Claim
			valErr := item.Value(func(v []byte) error {
				prev, err = claims.UnmarshalClaim(v)
				return err
			})
			if valErr != nil {
				return valErr
			}
			if !c.Supersedes(prev) {
				return fmt.Errorf(
					"%w: channel %s",
					claims.ErrStaleClaim,
					c.ChannelKey(),
				)
			}
		}
		raw, err := claims.MarshalClaim(c)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(key), raw); err != nil {
			return err
		}
		// History row keyed by inverted timestamp so iteration order is
		// createdAt descending
		invTs := uint64(math.MaxInt64 - time.Now().UnixNano())
		histKey := fmt.Sprintf(
			"%s%020d_%s",
			claimHistoryPrefix(peerId, c.ChainName()),
			invTs,
			c.ChannelKey(),
		)
		return txn.Set([]byte(histKey), raw)
	})
	if err != nil {
		return err
	}
	logger.Debug(
		"stored claim",
		"peerId", peerId,
		"chain", c.ChainName(),
		"channel", c.ChannelKey(),
	)
	return nil
}

// GetClaim returns the latest stored claim for a channel, or nil when none
// has been stored
func (s *Storage) GetClaim(
	peerId string,
	chain claims.Chain,
	channelKey string,
) (claims.Claim, error) {
	var ret claims.Claim
	key := claimKey(peerId, chain, channelKey)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			ret, err = claims.UnmarshalClaim(v)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// GetClaimHistory returns up to limit stored claims for a peer and chain,
// newest first
func (s *Storage) GetClaimHistory(
	peerId string,
	chain claims.Chain,
	limit int,
) ([]claims.Claim, error) {
	ret := []claims.Claim{}
	prefix := []byte(claimHistoryPrefix(peerId, chain))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(ret) >= limit {
				break
			}
			err := it.Item().Value(func(v []byte) error {
				c, err := claims.UnmarshalClaim(v)
				if err != nil {
					return err
				}
				ret = append(ret, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// PeerChannels lists the channel keys with a stored claim for a peer/chain
func (s *Storage) PeerChannels(
	peerId string,
	chain claims.Chain,
) ([]string, error) {
	ret := []string{}
	prefix := []byte(claimKey(peerId, chain, ""))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ret = append(ret, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func GetStorage() *Storage {
	return globalStorage
}

// BadgerLogger is a wrapper type to give our logger the expected interface
type BadgerLogger struct {
	logger *slog.Logger
}

func NewBadgerLogger() *BadgerLogger {
	return &BadgerLogger{
		logger: logging.GetLogger(),
	}
}

func (b *BadgerLogger) Infof(msg string, args ...any) {
	b.logger.Info(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}

func (b *BadgerLogger) Warningf(msg string, args ...any) {
	b.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}

func (b *BadgerLogger) Debugf(msg string, args ...any) {
	b.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}

func (b *BadgerLogger) Errorf(msg string, args ...any) {
	b.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}
