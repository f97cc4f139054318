// Package routing implements the §6.1 client-server HTTP contract: the
// handful of endpoints a client needs to register a session, create and
// converse in a room, and long-poll for updates. Endpoint selection and the
// util.JSONResponse handler shape follow the teacher's clientapi/routing
// package (its auxiliary files - password_reset.go, threepid.go,
// room_hierarchy.go - use the same util.JSONResponse-returning handler
// convention this file establishes the router for).
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/dendrite-core/homeserver/clientapi/httputil"
	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/roomserver/internal/perform"
	"github.com/dendrite-core/homeserver/roomserver/internal/query"
	syncsync "github.com/dendrite-core/homeserver/syncapi/sync"
	"github.com/dendrite-core/homeserver/userapi/accounts"
)

// Clients bundles the internal APIs an HTTP handler needs, the way a
// monolith deployment wires every component into the same process instead
// of dialing out over RPC (§5 "single process, no RPC between components").
type Clients struct {
	Accounts           *accounts.Database
	Perform            *perform.Performer
	Query              *query.Querier
	Sync               *syncsync.Engine
	ServerName         string
	DefaultRoomVersion eventutil.RoomVersion
}

// Setup registers every client-server endpoint this module implements onto
// router, under /_matrix/client/v3.
func Setup(router *mux.Router, c *Clients) {
	v3 := router.PathPrefix("/_matrix/client/v3").Subrouter()

	v3.Handle("/login", wrap(c.login)).Methods(http.MethodPost)
	v3.Handle("/logout", c.authenticated(c.logout)).Methods(http.MethodPost)
	v3.Handle("/account/whoami", c.authenticated(whoami)).Methods(http.MethodGet)
	v3.Handle("/createRoom", c.authenticated(c.createRoom)).Methods(http.MethodPost)
	v3.Handle("/sync", c.authenticated(c.sync)).Methods(http.MethodGet)
	v3.Handle("/rooms/{roomID}/send/{eventType}/{txnID}", c.authenticated(c.sendEvent)).Methods(http.MethodPut)
	v3.Handle("/rooms/{roomID}/state/{eventType}/{stateKey}", c.authenticated(c.sendStateEvent)).Methods(http.MethodPut)
	v3.Handle("/rooms/{roomID}/event/{eventID}", c.authenticated(c.getEvent)).Methods(http.MethodGet)
}

func wrap(f func(*http.Request) util.JSONResponse) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		util.WriteJSONResponse(w, req, f(req))
	})
}

// device is the authenticated caller of a handler registered through
// authenticated, resolved from the bearer token before the handler runs.
type device struct {
	UserID   string
	DeviceID string
}

// authenticated resolves the Authorization bearer token to a device (§6.1
// "Bearer-token authenticated") before delegating to f, rejecting the
// request otherwise.
func (c *Clients) authenticated(f func(*http.Request, device) util.JSONResponse) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		if token == "" {
			util.WriteJSONResponse(w, req, util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.Forbidden("Missing access token"),
			})
			return
		}
		d, err := c.Accounts.GetDeviceByAccessToken(token)
		if err != nil {
			util.WriteJSONResponse(w, req, util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.Forbidden("Unknown access token"),
			})
			return
		}
		util.WriteJSONResponse(w, req, f(req, device{UserID: d.UserID(), DeviceID: d.ID}))
	})
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return req.URL.Query().Get("access_token")
}

type loginRequest struct {
	Type     string `json:"type"`
	Identifier struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"identifier"`
	User        string `json:"user"`
	Password    string `json:"password"`
	DeviceID    *string `json:"device_id"`
	InitialDisplayName string `json:"initial_device_display_name"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	HomeServer  string `json:"home_server"`
}

// login implements m.login.password (§6.1, a precondition the distilled
// spec assumes without modeling the registration/login flow itself).
func (c *Clients) login(req *http.Request) util.JSONResponse {
	var body loginRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}
	if body.Type != "" && body.Type != "m.login.password" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown("Unsupported login type")}
	}
	localpart := body.Identifier.User
	if localpart == "" {
		localpart = body.User
	}
	if localpart == "" || body.Password == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam("user and password are required")}
	}

	ok, err := c.Accounts.CheckPassword(localpart, body.Password)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown(err.Error())}
	}
	if !ok {
		return util.JSONResponse{Code: http.StatusForbidden, JSON: spec.Forbidden("Invalid username or password")}
	}

	dev, err := c.Accounts.CreateDevice(localpart, c.ServerName, body.DeviceID, body.InitialDisplayName)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown(err.Error())}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: loginResponse{
			UserID:      dev.UserID(),
			AccessToken: dev.AccessToken,
			DeviceID:    dev.ID,
			HomeServer:  c.ServerName,
		},
	}
}

func (c *Clients) logout(req *http.Request, d device) util.JSONResponse {
	localpart, _, err := splitUserID(d.UserID)
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown(err.Error())}
	}
	if err := c.Accounts.DeleteDevice(localpart, d.DeviceID); err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown(err.Error())}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

func whoami(req *http.Request, d device) util.JSONResponse {
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{
		"user_id":   d.UserID,
		"device_id": d.DeviceID,
	}}
}

func splitUserID(userID string) (localpart, serverName string, err error) {
	if len(userID) < 2 || userID[0] != '@' {
		return "", "", fmt.Errorf("malformed user id %q", userID)
	}
	for i := 1; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[1:i], userID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed user id %q", userID)
}

type createRoomRequest struct {
	Name          string            `json:"name"`
	Topic         string            `json:"topic"`
	RoomAliasName string            `json:"room_alias_name"`
	Preset        string            `json:"preset"`
	Visibility    string            `json:"visibility"`
	Invite        []string          `json:"invite"`
	InitialState  []json.RawMessage `json:"initial_state"`
	RoomVersion   string            `json:"room_version"`
}

func (c *Clients) createRoom(req *http.Request, d device) util.JSONResponse {
	var body createRoomRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	preset := body.Preset
	if preset == "" {
		if body.Visibility == "public" {
			preset = "public_chat"
		} else {
			preset = "private_chat"
		}
	}

	roomVersion := c.DefaultRoomVersion
	if body.RoomVersion != "" {
		roomVersion = eventutil.RoomVersion(body.RoomVersion)
	}

	roomID, err := c.Perform.CreateRoom(req.Context(), perform.CreateRoomRequest{
		Creator:        d.UserID,
		RoomVersion:    roomVersion,
		Name:           body.Name,
		Topic:          body.Topic,
		RoomAliasName:  body.RoomAliasName,
		Preset:         preset,
		InitialState:   body.InitialState,
		InvitedUserIDs: body.Invite,
	})
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown(err.Error())}
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"room_id": roomID}}
}

func (c *Clients) sendEvent(req *http.Request, d device) util.JSONResponse {
	vars := mux.Vars(req)
	var content json.RawMessage
	if resErr := httputil.UnmarshalJSONRequest(req, &content); resErr != nil {
		return *resErr
	}

	eventID, err := c.Perform.SendEvent(req.Context(), vars["roomID"], d.UserID, vars["eventType"], nil, content)
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown(err.Error())}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": eventID}}
}

func (c *Clients) sendStateEvent(req *http.Request, d device) util.JSONResponse {
	vars := mux.Vars(req)
	var content json.RawMessage
	if resErr := httputil.UnmarshalJSONRequest(req, &content); resErr != nil {
		return *resErr
	}
	stateKey := vars["stateKey"]

	eventID, err := c.Perform.SendEvent(req.Context(), vars["roomID"], d.UserID, vars["eventType"], &stateKey, content)
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown(err.Error())}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": eventID}}
}

func (c *Clients) getEvent(req *http.Request, d device) util.JSONResponse {
	vars := mux.Vars(req)
	roomID, eventID := vars["roomID"], vars["eventID"]

	membership, err := c.Query.Membership(req.Context(), roomID, d.UserID)
	if err != nil || membership != "join" {
		return util.JSONResponse{Code: http.StatusForbidden, JSON: spec.Forbidden("You do not have permission to view this event")}
	}

	raw, ok, err := c.Query.EventByID(req.Context(), eventID)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown(err.Error())}
	}
	if !ok {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("Event not found")}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: json.RawMessage(raw)}
}

func (c *Clients) sync(req *http.Request, d device) util.JSONResponse {
	q := req.URL.Query()

	var since uint64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("since")}
		}
		since = v
	}

	timeout := 0 * time.Millisecond
	if t := q.Get("timeout"); t != "" {
		ms, err := strconv.Atoi(t)
		if err != nil {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("timeout")}
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	resp, err := c.Sync.Sync(ctx, syncsync.Request{
		UserID:       d.UserID,
		DeviceID:     d.DeviceID,
		Since:        since,
		Timeout:      timeout,
		FullState:    q.Get("full_state") == "true",
		SetPresence:  q.Get("set_presence"),
	})
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown(err.Error())}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: resp}
}
