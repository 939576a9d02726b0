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

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	sdkID      = "go"
	sdkVersion = "0.1.0"
)

// buildSignalURL forms the ws(s):// URL used to open the signaling
// WebSocket. The access_token query parameter is always placed last so that
// redactSignalURL can strip everything after it for logging.
func buildSignalURL(serverURL, token string) (string, error) {
	if serverURL == "" {
		return "", newError(ErrInvalidURL, "url", fmt.Errorf("server url is empty"))
	}
	if !strings.HasPrefix(serverURL, "ws://") && !strings.HasPrefix(serverURL, "wss://") {
		return "", newError(ErrInvalidURL, "url", fmt.Errorf("scheme must be ws:// or wss://, got %q", serverURL))
	}

	base := serverURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	query := fmt.Sprintf(
		"sdk=%s&version=%s&os=%s&os_version=%s&device_model=%s&auto_subscribe=false&access_token=%s",
		sdkID,
		sdkVersion,
		runtime.GOOS,
		runtime.Version(),
		runtime.GOARCH,
		token,
	)
	return base + "rtc?" + query, nil
}

// redactSignalURL replaces everything after "access_token=" with
// "[REDACTED]" so the URL can be logged safely. access_token is required to
// be the final query parameter (enforced by buildSignalURL) for this to be
// correct.
func redactSignalURL(u string) string {
	idx := strings.Index(u, "access_token=")
	if idx == -1 {
		return u
	}
	return u[:idx+len("access_token=")] + "[REDACTED]"
}
