// Package routing implements the server-server (federation) HTTP API
// surface (§6.2): version, key exchange, the PDU/EDU transaction endpoint,
// backfill and missing-events, room joins/leaves/invites, device and
// profile queries, and room hierarchy.
package routing

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/dendrite-core/homeserver/federationapi/transport"
	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/dendrite-core/homeserver/roomserver/api"
)

// Handlers bundles the dependencies every federation route needs.
type Handlers struct {
	ServerName string
	Keys       *signing.KeyStore
	KeyPair    *signing.LocalKeyPair
	RoomServer api.FederationRoomserverAPI
	Input      api.InputAPI
}

// Register mounts every §6.2 endpoint on r, matching the teacher's
// gorilla/mux-based route registration style.
func Register(r *mux.Router, h *Handlers) {
	fed := r.PathPrefix("/_matrix/federation/v1").Subrouter()
	fed.HandleFunc("/version", h.version).Methods(http.MethodGet)
	fed.HandleFunc("/send/{txnID}", h.withAuth(h.send)).Methods(http.MethodPut)
	fed.HandleFunc("/event/{eventID}", h.withAuth(h.getEvent)).Methods(http.MethodGet)
	fed.HandleFunc("/backfill/{roomID}", h.withAuth(h.backfill)).Methods(http.MethodGet)
	fed.HandleFunc("/get_missing_events/{roomID}", h.withAuth(h.getMissingEvents)).Methods(http.MethodPost)
	fed.HandleFunc("/event_auth/{roomID}/{eventID}", h.withAuth(h.eventAuth)).Methods(http.MethodGet)
	fed.HandleFunc("/state/{roomID}", h.withAuth(h.state)).Methods(http.MethodGet)
	fed.HandleFunc("/state_ids/{roomID}", h.withAuth(h.stateIDs)).Methods(http.MethodGet)
	fed.HandleFunc("/make_join/{roomID}/{userID}", h.withAuth(h.makeJoin)).Methods(http.MethodGet)
	fed.HandleFunc("/send_join/{version}/{roomID}/{eventID}", h.withAuth(h.sendJoin)).Methods(http.MethodPut)
	fed.HandleFunc("/make_leave/{roomID}/{userID}", h.withAuth(h.makeLeave)).Methods(http.MethodGet)
	fed.HandleFunc("/send_leave/{version}/{roomID}/{eventID}", h.withAuth(h.sendLeave)).Methods(http.MethodPut)
	fed.HandleFunc("/invite/{version}/{roomID}/{eventID}", h.withAuth(h.invite)).Methods(http.MethodPut)
	fed.HandleFunc("/user/devices/{userID}", h.withAuth(h.userDevices)).Methods(http.MethodGet)
	fed.HandleFunc("/query/directory", h.withAuth(h.queryDirectory)).Methods(http.MethodGet)
	fed.HandleFunc("/query/profile", h.withAuth(h.queryProfile)).Methods(http.MethodGet)
	fed.HandleFunc("/user/keys/query", h.withAuth(h.userKeysQuery)).Methods(http.MethodPost)
	fed.HandleFunc("/user/keys/claim", h.withAuth(h.userKeysClaim)).Methods(http.MethodPost)
	fed.HandleFunc("/hierarchy/{roomID}", h.withAuth(h.hierarchy)).Methods(http.MethodGet)

	keyRouter := r.PathPrefix("/_matrix/key/v2").Subrouter()
	keyRouter.HandleFunc("/server", h.serverKeys).Methods(http.MethodGet)
	keyRouter.HandleFunc("/server/{keyID}", h.serverKeys).Methods(http.MethodGet)

	r.HandleFunc("/.well-known/matrix/server", h.wellKnown).Methods(http.MethodGet)
}

// withAuth wraps a handler with X-Matrix signature verification (§6.2),
// matching the teacher's habit of composing net/http handlers rather than
// relying on a middleware framework for per-route concerns.
func (h *Handlers) withAuth(next func(http.ResponseWriter, *http.Request) util.JSONResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := readAndRestoreBody(req)
		if err != nil {
			writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{"errcode": "M_NOT_JSON"}})
			return
		}
		if err := transport.VerifyIncoming(req.Context(), h.Keys, req.Method, req.URL.RequestURI(), h.ServerName, body, req.Header.Get("Authorization")); err != nil {
			logrus.WithError(err).Warn("routing: rejecting unauthenticated federation request")
			writeJSON(w, util.JSONResponse{Code: http.StatusForbidden, JSON: map[string]string{"errcode": "M_FORBIDDEN"}})
			return
		}
		writeJSON(w, next(w, req))
	}
}

func writeJSON(w http.ResponseWriter, resp util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	body, err := json.Marshal(resp.JSON)
	if err != nil {
		logrus.WithError(err).Error("routing: marshalling response")
		return
	}
	_, _ = w.Write(body)
}

func (h *Handlers) version(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"server": map[string]string{"name": "homeserver", "version": "1.0.0"},
	}})
}

func (h *Handlers) wellKnown(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{
		"m.server": h.ServerName,
	}})
}

func (h *Handlers) serverKeys(w http.ResponseWriter, req *http.Request) {
	validUntil := time.Now().Add(7 * 24 * time.Hour).UnixMilli()
	verifyKeys := map[string]interface{}{
		string(h.KeyPair.KeyID): map[string]string{"key": encodeBase64Key(h.KeyPair.Public)},
	}
	unsigned := map[string]interface{}{
		"server_name":     h.ServerName,
		"valid_until_ts":  validUntil,
		"verify_keys":     verifyKeys,
		"old_verify_keys": map[string]interface{}{},
	}
	raw, err := json.Marshal(unsigned)
	if err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusInternalServerError})
		return
	}
	sig, err := h.KeyPair.SignJSON(raw)
	if err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusInternalServerError})
		return
	}
	unsigned["signatures"] = map[string]map[string]string{h.ServerName: {string(h.KeyPair.KeyID): sig}}
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: unsigned})
}

func parseIntQuery(req *http.Request, key string, def int) int {
	v := req.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
