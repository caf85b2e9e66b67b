package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"rwadesk/core/events"
	"rwadesk/core/identity"
	"rwadesk/native/common"
	"rwadesk/native/escrow"
)

const (
	codeDeskInvalidParams = -32021
	codeDeskNotFound      = -32022
	codeDeskForbidden     = -32023
	codeDeskConflict      = -32024
	codeDeskInternal      = -32025
	codeDeskEconomic      = -32026
	codeDeskTransfer      = -32027
	codeDeskPaused        = -32028
)

// writeCoreError maps the core error taxonomy onto JSON-RPC codes and HTTP
// statuses.
func writeCoreError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeDeskNotFound, "not_found", err.Error())
	case errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, id, codeDeskPaused, "module_paused", err.Error())
	case errors.Is(err, escrow.ErrAuthorization):
		writeError(w, http.StatusForbidden, id, codeDeskForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrState):
		writeError(w, http.StatusConflict, id, codeDeskConflict, "conflict", err.Error())
	case errors.Is(err, escrow.ErrEconomic):
		writeError(w, http.StatusUnprocessableEntity, id, codeDeskEconomic, "economic_violation", err.Error())
	case errors.Is(err, escrow.ErrTransfer):
		writeError(w, http.StatusBadGateway, id, codeDeskTransfer, "transfer_failed", err.Error())
	case errors.Is(err, escrow.ErrValidation):
		writeError(w, http.StatusBadRequest, id, codeDeskInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeDeskInternal, "internal_error", err.Error())
	}
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

type createEscrowParams struct {
	Seller string    `json:"seller"`
	Asset  assetJSON `json:"asset"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, req *RPCRequest) {
	var params createEscrowParams
	if !decodeParams(w, req, &params) {
		return
	}
	seller, err := identity.ParseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	desc, err := parseAsset(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.registry.CreateEscrow(seller, desc)
	if err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(esc))
}

type valuationParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Valuation string `json:"valuation"`
}

func (s *Server) handlePostValuation(w http.ResponseWriter, req *RPCRequest) {
	var params valuationParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := identity.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	valuation, err := parsePositiveBigInt(params.Valuation)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.registry.PostValuation(id, caller, valuation); err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type bidParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, req *RPCRequest) {
	var params bidParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := identity.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.registry.SubmitBid(id, caller, amount); err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type actorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type closeResult struct {
	Winner  string `json:"winner"`
	Highest string `json:"highest"`
}

func (s *Server) handleClose(w http.ResponseWriter, req *RPCRequest) {
	var params actorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := identity.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	outcome, err := s.registry.Close(id, caller)
	if err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, closeResult{
		Winner:  identity.FormatAddress(outcome.Winner),
		Highest: outcome.Highest.String(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, req *RPCRequest) {
	var params actorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := identity.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.registry.Cancel(id, caller); err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) handleGet(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.registry.Get(id)
	if err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(esc))
}

func (s *Server) handleBids(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.registry.Get(id)
	if err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	bids := make([]bidJSON, 0, len(esc.Bidders))
	for _, bidder := range esc.Bidders {
		bids = append(bids, bidJSON{
			Bidder: identity.FormatAddress(bidder),
			Amount: esc.BidOf(bidder).String(),
		})
	}
	writeResult(w, req.ID, bids)
}

func (s *Server) handleList(w http.ResponseWriter, req *RPCRequest) {
	ids, err := s.registry.List()
	if err != nil {
		writeCoreError(w, req.ID, err)
		return
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, hex.EncodeToString(id[:]))
	}
	writeResult(w, req.ID, out)
}

type eventsParams struct {
	After uint64 `json:"after"`
}

func (s *Server) handleEvents(w http.ResponseWriter, req *RPCRequest) {
	var params eventsParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if s.sink == nil {
		writeResult(w, req.ID, []events.Entry{})
		return
	}
	writeResult(w, req.ID, s.sink.Entries(params.After))
}

type pauseParams struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, req *RPCRequest) {
	var params pauseParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := identity.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	if s.provider == nil || !s.provider.IsAdministrator(caller) {
		writeError(w, http.StatusForbidden, req.ID, codeDeskForbidden, "forbidden", "pause requires administrator")
		return
	}
	if s.pauses == nil {
		writeError(w, http.StatusConflict, req.ID, codeDeskConflict, "conflict", "pause switchboard not configured")
		return
	}
	s.pauses.Set(params.Module, params.Paused)
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type exportParams struct {
	Caller string `json:"caller"`
}

func (s *Server) handleExport(w http.ResponseWriter, req *RPCRequest) {
	var params exportParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := identity.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDeskInvalidParams, "invalid_params", err.Error())
		return
	}
	if s.provider == nil || !s.provider.IsAdministrator(caller) {
		writeError(w, http.StatusForbidden, req.ID, codeDeskForbidden, "forbidden", "export requires administrator")
		return
	}
	if s.exporter == nil {
		writeError(w, http.StatusConflict, req.ID, codeDeskConflict, "conflict", "audit exporter not configured")
		return
	}
	result, err := s.exporter.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeDeskInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, result)
}
