// Bellhop is a peer-to-peer booking relay agent.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package broker

import "math/rand"

const (
	// maxBackoffMS caps the computed delay at 5 minutes before jitter.
	maxBackoffMS = 300_000
	// jitterMS is the inclusive upper bound of the uniform jitter.
	jitterMS = 1000
	// maxBackoffExp clamps the doubling exponent to keep the shift in range.
	maxBackoffExp = 20
)

// backoffDelayMS computes the retry delay for the given attempt count:
// min(initial * 2^min(attempts, 20), 300000) plus a uniform jitter in
// [0, 1000] ms drawn from jitter. The doubling saturates at the cap.
func backoffDelayMS(initialMS int64, attempts int, jitter func(n int64) int64) int64 {
	exp := attempts
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	delay := initialMS * (int64(1) << exp)
	if delay > maxBackoffMS || delay < 0 {
		delay = maxBackoffMS
	}
	return delay + jitter(jitterMS+1)
}

// defaultJitter draws a uniform integer in [0, n).
func defaultJitter(n int64) int64 {
	return rand.Int63n(n)
}
