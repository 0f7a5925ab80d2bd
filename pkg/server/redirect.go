// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net"
	"net/http"
	"strconv"
)

// RedirectHandler sends every request to the same host on securePort over
// https, keeping path and query.
func RedirectHandler(securePort int) http.Handler {
	port := strconv.Itoa(securePort)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		if host == "" {
			http.Error(w, "missing host", http.StatusBadRequest)
			return
		}

		authority := net.JoinHostPort(host, port)
		if securePort == 443 {
			authority = host
			if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
				authority = "[" + host + "]"
			}
		}

		http.Redirect(w, r, "https://"+authority+r.URL.RequestURI(), http.StatusFound)
	})
}
