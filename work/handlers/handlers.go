// Package handlers binds the public routes to the engines behind them. Mux
// path variables are extracted here; behavior lives in relay and playlist.
package handlers

import (
	"net/http"

	"github.com/eribbey/redcarrd/work/playlist"
	"github.com/eribbey/redcarrd/work/relay"

	"github.com/gorilla/mux"
)

func HandlePlaylist(b *playlist.Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.ServePlaylist(w, r)
	}
}

func HandleEPG(b *playlist.Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.ServeEPG(w, r)
	}
}

// HandleManifest serves a channel's root manifest per its stream mode.
func HandleManifest(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl.ServeManifest(w, r, mux.Vars(r)["channelId"])
	}
}

// HandleProxy relays one rewritten manifest reference upstream.
func HandleProxy(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl.ServeProxy(w, r, mux.Vars(r)["channelId"])
	}
}

// HandleLocal serves a segment or manifest from the channel's job directory.
func HandleLocal(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		rl.ServeLocal(w, r, vars["channelId"], vars["segment"])
	}
}
