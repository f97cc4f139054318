package routing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/dendrite-core/homeserver/roomserver/api"
)

func readAndRestoreBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func encodeBase64Key(pub []byte) string {
	return base64.RawStdEncoding.EncodeToString(pub)
}

func errResponse(code int, errcode, err string) util.JSONResponse {
	return util.JSONResponse{Code: code, JSON: map[string]string{"errcode": errcode, "error": err}}
}

// transactionRequest is the body of PUT /send/{txnId} (§6.2).
type transactionRequest struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus"`
}

func (h *Handlers) send(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	body, err := readAndRestoreBody(req)
	if err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid body")
	}
	var txn transactionRequest
	if err := json.Unmarshal(body, &txn); err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid transaction body")
	}
	roomIDToPDUs := map[string][]json.RawMessage{}
	roomIDOrder := map[string]int{}
	for _, pdu := range txn.PDUs {
		var envelope struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(pdu, &envelope); err != nil || envelope.RoomID == "" {
			continue
		}
		roomIDToPDUs[envelope.RoomID] = append(roomIDToPDUs[envelope.RoomID], pdu)
		roomIDOrder[envelope.RoomID] = len(roomIDOrder)
	}

	results := map[string]interface{}{}
	for roomID, pdus := range roomIDToPDUs {
		outcomes, err := h.Input.InputRoomEvents(req.Context(), roomID, pdus)
		if err != nil {
			continue
		}
		for _, o := range outcomes {
			if o.Error != "" {
				results[o.EventID] = map[string]string{"error": o.Error}
			} else {
				results[o.EventID] = map[string]string{}
			}
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"pdus": results}}
}

func (h *Handlers) getEvent(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	eventID := mux.Vars(req)["eventID"]
	raw, ok, err := h.RoomServer.EventByID(req.Context(), eventID)
	if err != nil || !ok {
		return errResponse(http.StatusNotFound, "M_NOT_FOUND", "event not found")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"origin": h.ServerName, "pdus": []json.RawMessage{raw},
	}}
}

func (h *Handlers) backfill(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	limit := parseIntQuery(req, "limit", 50)
	var from []string
	for _, v := range req.URL.Query()["v"] {
		from = append(from, v)
	}
	pdus, err := h.RoomServer.Backfill(req.Context(), roomID, from, limit)
	if err != nil {
		return errResponse(http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"origin": h.ServerName, "pdus": pdus,
	}}
}

func (h *Handlers) getMissingEvents(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	body, err := readAndRestoreBody(req)
	if err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid body")
	}
	var reqBody struct {
		EarliestEvents []string `json:"earliest_events"`
		LatestEvents   []string `json:"latest_events"`
		Limit          int      `json:"limit"`
	}
	if err := json.Unmarshal(body, &reqBody); err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid body")
	}
	if reqBody.Limit == 0 {
		reqBody.Limit = 10
	}
	pdus, err := h.RoomServer.GetMissingEvents(req.Context(), roomID, reqBody.EarliestEvents, reqBody.LatestEvents, reqBody.Limit)
	if err != nil {
		return errResponse(http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"events": pdus}}
}

func (h *Handlers) eventAuth(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	vars := mux.Vars(req)
	entries, err := h.RoomServer.StateAtEvent(req.Context(), vars["roomID"], vars["eventID"])
	if err != nil {
		return errResponse(http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"auth_chain": stateEntriesToEventIDs(entries)}}
}

func (h *Handlers) state(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	entries, err := h.RoomServer.CurrentState(req.Context(), roomID)
	if err != nil {
		return errResponse(http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
	var pdus []json.RawMessage
	for _, e := range entries {
		raw, ok, err := h.RoomServer.EventByID(req.Context(), e.EventID)
		if err == nil && ok {
			pdus = append(pdus, raw)
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"pdus": pdus, "auth_chain": []json.RawMessage{},
	}}
}

func (h *Handlers) stateIDs(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	entries, err := h.RoomServer.CurrentState(req.Context(), roomID)
	if err != nil {
		return errResponse(http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"pdu_ids": stateEntriesToEventIDs(entries), "auth_chain_ids": []string{},
	}}
}

func stateEntriesToEventIDs(entries []api.StateEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventID)
	}
	return out
}

func (h *Handlers) makeJoin(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	vars := mux.Vars(req)
	tmpl, roomVersion, err := h.RoomServer.MakeJoin(req.Context(), vars["roomID"], vars["userID"])
	if err != nil {
		return errResponse(http.StatusNotFound, "M_NOT_FOUND", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"event": tmpl, "room_version": string(roomVersion),
	}}
}

func (h *Handlers) sendJoin(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	body, err := readAndRestoreBody(req)
	if err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid body")
	}
	state, authChain, err := h.RoomServer.SendJoin(req.Context(), roomID, body)
	if err != nil {
		return errResponse(http.StatusForbidden, "M_FORBIDDEN", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"state": state, "auth_chain": authChain, "origin": h.ServerName,
	}}
}

func (h *Handlers) makeLeave(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	vars := mux.Vars(req)
	tmpl, roomVersion, err := h.RoomServer.MakeLeave(req.Context(), vars["roomID"], vars["userID"])
	if err != nil {
		return errResponse(http.StatusNotFound, "M_NOT_FOUND", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"event": tmpl, "room_version": string(roomVersion),
	}}
}

func (h *Handlers) sendLeave(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	body, err := readAndRestoreBody(req)
	if err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid body")
	}
	if err := h.RoomServer.SendLeave(req.Context(), roomID, body); err != nil {
		return errResponse(http.StatusForbidden, "M_FORBIDDEN", err.Error())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{}}
}

func (h *Handlers) invite(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	body, err := readAndRestoreBody(req)
	if err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid body")
	}
	var envelope struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errResponse(http.StatusBadRequest, "M_NOT_JSON", "invalid invite body")
	}
	outcomes, err := h.Input.InputRoomEvents(req.Context(), roomID, []json.RawMessage{envelope.Event})
	if err != nil || len(outcomes) == 0 || outcomes[0].Error != "" {
		return errResponse(http.StatusForbidden, "M_FORBIDDEN", "invite rejected")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"event": envelope.Event}}
}

func (h *Handlers) userDevices(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	userID := mux.Vars(req)["userID"]
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"user_id": userID, "stream_id": 0, "devices": []interface{}{},
	}}
}

func (h *Handlers) queryDirectory(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	return errResponse(http.StatusNotFound, "M_NOT_FOUND", "room alias not found")
}

func (h *Handlers) queryProfile(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	return errResponse(http.StatusNotFound, "M_NOT_FOUND", "profile not found")
}

func (h *Handlers) userKeysQuery(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"device_keys": map[string]interface{}{}}}
}

func (h *Handlers) userKeysClaim(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"one_time_keys": map[string]interface{}{}}}
}

func (h *Handlers) hierarchy(w http.ResponseWriter, req *http.Request) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	entries, err := h.RoomServer.CurrentState(req.Context(), roomID)
	if err != nil {
		return errResponse(http.StatusNotFound, "M_NOT_FOUND", "room not found")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"room": map[string]interface{}{"room_id": roomID, "children_state": []interface{}{}},
		"state_count": len(entries),
	}}
}
