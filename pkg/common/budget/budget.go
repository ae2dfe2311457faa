// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package budget tracks the memory charged to one join instance.
// Each instance owns its budget; there is no cross-instance sharing.
package budget

import "sync"

type Budget struct {
	mu   sync.Mutex
	cap  int64
	used int64
}

// New returns a budget of capacity bytes. capacity <= 0 means unlimited.
func New(capacity int64) *Budget {
	return &Budget{cap: capacity}
}

// Acquire charges n bytes, returning false without charging when the
// capacity would be exceeded.
func (b *Budget) Acquire(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap > 0 && b.used+n > b.cap {
		return false
	}
	b.used += n
	return true
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *Budget) Cap() int64 {
	return b.cap
}
