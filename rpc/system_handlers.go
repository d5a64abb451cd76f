package rpc

import (
	"fmt"
	"math/big"
	"net/http"
	"time"

	"powerperp/native/clpool"
	"powerperp/native/vault"
)

type systemCallerParams struct {
	Caller string `json:"caller"`
}

type systemStateResult struct {
	Mode            string `json:"mode"`
	PausedAt        int64  `json:"pausedAt,omitempty"`
	SettlementPrice string `json:"settlementPrice,omitempty"`
	SettlementScale string `json:"settlementScale,omitempty"`
}

type poolSlotParams struct {
	PoolID      string `json:"poolId"`
	CurrentTick int32  `json:"currentTick"`
	TickSpacing int32  `json:"tickSpacing"`
	Liquidity   string `json:"liquidity"`
}

type registerPositionParams struct {
	PositionID   uint64 `json:"positionId,omitempty"`
	TickLower    int32  `json:"tickLower"`
	TickUpper    int32  `json:"tickUpper"`
	Liquidity    string `json:"liquidity"`
	BaseIsToken0 bool   `json:"baseIsToken0"`
}

type registerPositionResult struct {
	PositionID uint64 `json:"positionId"`
}

type oracleSetPriceParams struct {
	PoolID    string `json:"poolId"`
	Price     string `json:"price"`
	Scale     string `json:"scale"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type normFactorParams struct {
	Factor string `json:"factor"`
}

func (s *Server) handleSystemPause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params systemCallerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.system.Pause(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSystemUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params systemCallerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.system.Unpause(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSystemShutdown(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params systemCallerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.system.ShutDown(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	result := systemStateResult{Mode: s.system.Mode().String()}
	if pausedAt, ok := s.system.PausedAt(); ok {
		result.PausedAt = pausedAt.Unix()
	}
	if price, scale, ok := s.system.SettlementPrice(); ok {
		result.SettlementPrice = price.String()
		result.SettlementScale = scale.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handlePoolSetSlot(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "pool registry not configured", nil)
		return
	}
	var params poolSlotParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	liquidity, err := parseAmount(params.Liquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	slot := clpool.Slot{
		CurrentTick: params.CurrentTick,
		TickSpacing: params.TickSpacing,
		Liquidity:   liquidity,
	}
	if err := s.registry.SetSlot(params.PoolID, slot); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handlePoolRegisterPosition(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "pool registry not configured", nil)
		return
	}
	var params registerPositionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	liquidity, err := parseAmount(params.Liquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.TickLower >= params.TickUpper {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "tickLower must be below tickUpper")
		return
	}
	pos := &vault.LPPosition{
		ID:           params.PositionID,
		TickLower:    params.TickLower,
		TickUpper:    params.TickUpper,
		Liquidity:    liquidity,
		BaseIsToken0: params.BaseIsToken0,
	}
	id, err := s.registry.RegisterPosition(pos)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, registerPositionResult{PositionID: id})
}

func (s *Server) handleOracleSetPrice(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.manual == nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "manual oracle not configured", nil)
		return
	}
	var params oracleSetPriceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveAmount(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	scale, err := parsePositiveAmount(params.Scale)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	ts := time.Now()
	if params.Timestamp > 0 {
		ts = time.Unix(params.Timestamp, 0)
	}
	s.manual.Set(params.PoolID, price, scale, ts)
	writeResult(w, req.ID, true)
}

func (s *Server) handleOracleSetNormFactor(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.norm == nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "norm source not configured", nil)
		return
	}
	var params normFactorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	factor, ok := new(big.Int).SetString(params.Factor, 10)
	if !ok || factor.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("invalid factor %q", params.Factor))
		return
	}
	s.norm.Set(factor)
	writeResult(w, req.ID, true)
}
