// Copyright 2025 The chainwatch Authors
// This file is part of chainwatch.
//
// chainwatch is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// chainwatch is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with chainwatch. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"

	"github.com/coinharbor/chainwatch/params"
	"github.com/coinharbor/chainwatch/storage"
)

// configWallet serves viewing keys straight from the config file, for
// standalone deployments that provision keys by hand rather than through a
// wallet service.
type configWallet map[string]*storage.ViewingKey

func (w configWallet) ViewingKey(_ context.Context, address string) (*storage.ViewingKey, error) {
	vk, ok := w[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return vk, nil
}

// newConfigWallet builds a wallet from the configured keys. With no keys it
// returns nil, which disables viewing key imports entirely instead of
// warning about every shielded address.
func newConfigWallet(keys []params.ViewingKeyConfig) storage.WalletService {
	if len(keys) == 0 {
		return nil
	}
	w := make(configWallet, len(keys))
	for _, k := range keys {
		w[k.Address] = &storage.ViewingKey{Key: k.Key, Birthday: k.Birthday}
	}
	return w
}
