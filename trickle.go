// Copyright 2023 LiveKit, Inc.
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

package lksdk

import "encoding/json"

// parseTrickleCandidate extracts the "candidate" string field from a
// TrickleRequest's CandidateInit JSON blob. sdpMid and sdpMLineIndex are
// intentionally ignored, matching signaling.c's on_sig_trickle: pion infers
// the media line from mid-less candidates added against the right
// transport. A missing field yields ("", nil); a non-string field or
// malformed JSON yields an error. The engine logs either case and ignores
// the message, matching the original's log-and-ignore behavior.
func parseTrickleCandidate(candidateInit string) (string, error) {
	var init struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal([]byte(candidateInit), &init); err != nil {
		return "", newError(ErrMessage, "trickle.parse", err)
	}
	return init.Candidate, nil
}
