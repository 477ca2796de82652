// Copyright 2021 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package detector

import (
	"sort"

	"github.com/entrace/entrace/pkg/exposure"
)

// MissingDays returns the days available remotely but not cached locally,
// in chronological order.
func MissingDays(remote, local []exposure.Day) []exposure.Day {
	have := make(map[exposure.Day]struct{}, len(local))
	for _, d := range local {
		have[d] = struct{}{}
	}
	var missing []exposure.Day
	for _, d := range remote {
		if _, ok := have[d]; !ok {
			missing = append(missing, d)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })
	return missing
}

// MissingHours returns the hours of the current day available remotely but
// not cached locally, in ascending order.
func MissingHours(remote, local []int) []int {
	have := make(map[int]struct{}, len(local))
	for _, h := range local {
		have[h] = struct{}{}
	}
	var missing []int
	for _, h := range remote {
		if _, ok := have[h]; !ok {
			missing = append(missing, h)
		}
	}
	sort.Ints(missing)
	return missing
}
