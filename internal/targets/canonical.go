// Copyright 2025 Tom Barlow
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

package targets

import "strings"

// localhostPrefixes are the host forms that fold to the same canonical
// address.
var localhostPrefixes = []string{"localhost", "127.0.0.1", "0.0.0.0", "[::1]", "[::]"}

// CanonicalLookup normalizes an ADB address to the "localhost:N" form
// used for run_id/target_id equality comparisons and default-target
// lookups.
func CanonicalLookup(addr string) string {
	host, port, ok := splitHostPort(addr)
	if !ok {
		return addr
	}
	if isLocalhostForm(host) {
		return "localhost:" + port
	}
	return host + ":" + port
}

// CanonicalOutbound normalizes an ADB address to the "127.0.0.1:N" form
// used for outbound `adb -s` invocations, which reject the bracketed
// IPv6 loopback forms adb's own address parser emits from `devices -l`.
func CanonicalOutbound(addr string) string {
	host, port, ok := splitHostPort(addr)
	if !ok {
		return addr
	}
	if isLocalhostForm(host) {
		return "127.0.0.1:" + port
	}
	return host + ":" + port
}

func isLocalhostForm(host string) bool {
	for _, p := range localhostPrefixes {
		if host == p {
			return true
		}
	}
	return false
}

// splitHostPort splits "host:port" (including bracketed IPv6 forms like
// "[::1]:5555") into host and port. Unlike net.SplitHostPort it accepts
// the bare "[::]" bracket form with no leading scheme and does not
// require a valid IP, since ADB's own addresses are not validated here,
// only compared.
func splitHostPort(addr string) (host, port string, ok bool) {
	if strings.HasPrefix(addr, "[") {
		end := strings.Index(addr, "]")
		if end < 0 {
			return "", "", false
		}
		host = addr[:end+1]
		rest := addr[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		return host, rest[1:], true
	}

	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", false
	}
	return addr[:idx], addr[idx+1:], true
}
