// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package vnc

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	dialWait   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// noVNC negotiates the "binary" subprotocol.
	Subprotocols: []string{"binary"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// Bridge relays an RFB stream between a websocket client and a VNC server,
// the job websockify does out of process.
type Bridge struct {
	Log *slog.Logger
}

// Serve upgrades the request and pipes it to host:port until either side
// closes.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, host string, port int) {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	backend, err := net.DialTimeout("tcp", addr, dialWait)
	if err != nil {
		log.Warn("vnc dial failed", "addr", addr, "error", err)
		http.Error(w, "VNC server not reachable", http.StatusBadGateway)
		return
	}
	defer backend.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	log.Info("vnc bridge opened", "addr", addr, "remote", r.RemoteAddr)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = backend.Close()
			_ = ws.Close()
		})
	}

	var writeMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stop()
		buf := make([]byte, 32*1024)
		for {
			n, err := backend.Read(buf)
			if n > 0 {
				writeMu.Lock()
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n])
				writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					log.Debug("vnc backend read ended", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					stop()
					return
				}
			}
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if _, err := backend.Write(data); err != nil {
			break
		}
	}
	stop()
	<-done
	log.Info("vnc bridge closed", "addr", addr, "remote", r.RemoteAddr)
}
