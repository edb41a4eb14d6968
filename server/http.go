// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/flopfight/relay/server/metrics"
)

// Headers set by the API Gateway WebSocket HTTP integration.
const (
	ConnectionIDHeader = "X-Connection-Id"
	SourceIPHeader     = "X-Source-Ip"
)

func (h *Hub) ServeIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	buf, ok := h.statusJSON.Load().([]byte)
	if ok {
		_, _ = w.Write(buf)
	}
}

func (h *Hub) ServeSocket(w http.ResponseWriter, r *http.Request) {
	addr := h.remoteAddr(r)
	if !h.gate.AllowConnection(r.Context(), addr) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("upgrade error", err)
		return
	}

	h.register <- NewSocketClient(conn, addr)
}

// remoteAddr is the client's address, from X-Forwarded-For only if the proxy is trusted.
func (h *Hub) remoteAddr(r *http.Request) string {
	if h.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// gatewayRequest validates a request from the API Gateway integration.
func gatewayRequest(w http.ResponseWriter, r *http.Request) (conn, addr string, ok bool) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return "", "", false
	}
	conn = r.Header.Get(ConnectionIDHeader)
	if conn == "" {
		http.Error(w, "missing "+ConnectionIDHeader, http.StatusBadRequest)
		return "", "", false
	}
	return conn, r.Header.Get(SourceIPHeader), true
}

func (h *Hub) ServeGatewayConnect(w http.ResponseWriter, r *http.Request) {
	_, addr, ok := gatewayRequest(w, r)
	if !ok {
		return
	}
	if !h.gate.AllowConnection(r.Context(), addr) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) ServeGatewayMessage(w http.ResponseWriter, r *http.Request) {
	conn, addr, ok := gatewayRequest(w, r)
	if !ok {
		return
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(buf) > maxMessageSize {
		metrics.MessagesDropped.WithLabelValues("size").Inc()
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	// Store writes finish even if API Gateway gives up on the request
	ctx := context.WithoutCancel(r.Context())

	if !h.gate.AllowMessage(ctx, addr) {
		metrics.MessagesDropped.WithLabelValues("rate").Inc()
		if h.remote != nil {
			if err := h.remote.Disconnect(ctx, conn); err != nil {
				log.Printf("disconnect %s: %v", conn, err)
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	h.receive(ctx, conn, addr, buf)
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) ServeGatewayDisconnect(w http.ResponseWriter, r *http.Request) {
	conn, _, ok := gatewayRequest(w, r)
	if !ok {
		return
	}
	h.disconnect(conn)
	w.WriteHeader(http.StatusOK)
}

// Handler routes every endpoint except metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.ServeIndex)
	mux.HandleFunc("/ws", h.ServeSocket)
	mux.HandleFunc("/gateway/connect", h.ServeGatewayConnect)
	mux.HandleFunc("/gateway/message", h.ServeGatewayMessage)
	mux.HandleFunc("/gateway/disconnect", h.ServeGatewayDisconnect)
	return mux
}
