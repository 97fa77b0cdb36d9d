/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package util

import (
	"os"
)

// DetectNetworkProxy warns when proxy variables are set. Both the upstream
// client and cmon honor them.
func DetectNetworkProxy() {
	for _, key := range []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY"} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			log.Warningf("%s is set: %s", key, v)
		}
	}
	if v, ok := os.LookupEnv("no_proxy"); ok && v != "" {
		log.Debugf("no_proxy is set: %s", v)
	}
}
