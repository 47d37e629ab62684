// Copyright 2019-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package epoch

import "sync/atomic"

// The least significant bit of epoch is active flag.
type epoch uint64

func fromValue(v uint64) epoch {
	return epoch(v << 1)
}

// value returns the logical epoch number without the active flag.
func (e epoch) value() uint64 {
	return uint64(e) >> 1
}

func (e epoch) isActive() bool {
	return uint64(e)&1 == 1
}

func (e epoch) activate() epoch {
	return epoch(uint64(e) | 1)
}

func (e epoch) deactivate() epoch {
	return epoch(uint64(e) & ^uint64(1))
}

// sub returns the signed distance e - a in epochs. The subtraction wraps, so
// the result is correct as long as the two epochs are less than 2^62 apart.
func (e epoch) sub(a epoch) int64 {
	return int64(uint64(e.deactivate())-uint64(a.deactivate())) >> 1
}

func (e epoch) successor() epoch {
	return epoch(uint64(e) + 2)
}

type atomicEpoch struct {
	epoch uint64
}

func (e *atomicEpoch) load() epoch {
	return (epoch)(atomic.LoadUint64(&e.epoch))
}

func (e *atomicEpoch) store(new epoch) {
	atomic.StoreUint64(&e.epoch, uint64(new))
}

func (e *atomicEpoch) compareAndSwap(old, new epoch) bool {
	return atomic.CompareAndSwapUint64(&e.epoch, uint64(old), uint64(new))
}
