package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"powerperp/crypto"
	"powerperp/native/vault"
	"powerperp/observability"
)

type vaultMintParams struct {
	Owner      string `json:"owner"`
	VaultID    uint64 `json:"vaultId"`
	DebtDelta  string `json:"debtDelta"`
	PositionID uint64 `json:"positionId,omitempty"`
	Collateral string `json:"collateral"`
}

type vaultBurnParams struct {
	Owner     string `json:"owner"`
	VaultID   uint64 `json:"vaultId"`
	DebtDelta string `json:"debtDelta"`
	Detach    bool   `json:"detach,omitempty"`
}

type vaultAmountParams struct {
	Owner   string `json:"owner"`
	VaultID uint64 `json:"vaultId"`
	Amount  string `json:"amount"`
}

type vaultAttachParams struct {
	Owner      string `json:"owner"`
	VaultID    uint64 `json:"vaultId"`
	PositionID uint64 `json:"positionId"`
}

type vaultDetachParams struct {
	Owner   string `json:"owner"`
	VaultID uint64 `json:"vaultId"`
}

type vaultIDParams struct {
	VaultID uint64 `json:"vaultId"`
}

type vaultFlashParams struct {
	Owner          string `json:"owner,omitempty"`
	VaultID        uint64 `json:"vaultId"`
	MintAmount     string `json:"mintAmount"`
	TargetRatioBps uint64 `json:"targetRatioBps"`
	PositionID     uint64 `json:"positionId"`
}

type vaultMintResult struct {
	VaultID uint64 `json:"vaultId"`
}

type vaultJSON struct {
	ID           uint64 `json:"id"`
	Owner        string `json:"owner"`
	Debt         string `json:"debt"`
	Collateral   string `json:"collateral"`
	LPPositionID uint64 `json:"lpPositionId,omitempty"`
}

type safetyResult struct {
	VaultID uint64 `json:"vaultId"`
	Safe    bool   `json:"safe"`
}

type flashPlanJSON struct {
	CollateralToDeposit string `json:"collateralToDeposit"`
	FlashBorrow         string `json:"flashBorrow"`
	MinBaseAmount       string `json:"minBaseAmount"`
	MinPowerAmount      string `json:"minPowerAmount"`
}

type flashMintResult struct {
	VaultID uint64        `json:"vaultId"`
	Plan    flashPlanJSON `json:"plan"`
}

func parseBech32Address(value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	return crypto.DecodeAddress(trimmed)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parsePositiveAmount(value string) (*big.Int, error) {
	amount, err := parseAmount(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func vaultToJSON(v *vault.Vault) vaultJSON {
	out := vaultJSON{ID: v.ID, Owner: v.Owner.String(), LPPositionID: v.LPPositionID}
	out.Debt = "0"
	out.Collateral = "0"
	if v.Debt != nil {
		out.Debt = v.Debt.String()
	}
	if v.Collateral != nil {
		out.Collateral = v.Collateral.String()
	}
	return out
}

func planToJSON(plan vault.FlashMintPlan) flashPlanJSON {
	return flashPlanJSON{
		CollateralToDeposit: plan.CollateralToDeposit.String(),
		FlashBorrow:         plan.FlashBorrow.String(),
		MinBaseAmount:       plan.MinBaseAmount.String(),
		MinPowerAmount:      plan.MinPowerAmount.String(),
	}
}

func (s *Server) handleVaultMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultMintParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	debtDelta, err := parseAmount(params.DebtDelta)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	collateral, err := parseAmount(params.Collateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	id, err := s.engine.Mint(owner, params.VaultID, debtDelta, params.PositionID, collateral)
	observability.Metrics().Observe("mint", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, vaultMintResult{VaultID: id})
}

func (s *Server) handleVaultBurn(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultBurnParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	debtDelta, err := parsePositiveAmount(params.DebtDelta)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = s.engine.Burn(owner, params.VaultID, debtDelta, params.Detach)
	observability.Metrics().Observe("burn", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleVaultDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultAmountParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = s.engine.DepositCollateral(owner, params.VaultID, amount)
	observability.Metrics().Observe("deposit", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultAmountParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = s.engine.WithdrawCollateral(owner, params.VaultID, amount)
	observability.Metrics().Observe("withdraw", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleVaultAttach(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultAttachParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = s.engine.AttachLPPosition(owner, params.VaultID, params.PositionID)
	observability.Metrics().Observe("attach", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleVaultDetach(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultDetachParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = s.engine.DetachLPPosition(owner, params.VaultID)
	observability.Metrics().Observe("detach", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleVaultFlashPlan(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultFlashParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mintAmount, err := parsePositiveAmount(params.MintAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	plan, err := s.engine.FlashMintPlanFor(params.VaultID, mintAmount, params.TargetRatioBps, params.PositionID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, planToJSON(plan))
}

func (s *Server) handleVaultFlashMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultFlashParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mintAmount, err := parsePositiveAmount(params.MintAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	id, plan, err := s.engine.FlashMint(owner, params.VaultID, mintAmount, params.TargetRatioBps, params.PositionID)
	observability.Metrics().Observe("flash_mint", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, flashMintResult{VaultID: id, Plan: planToJSON(plan)})
}

func (s *Server) handleVaultIsSafe(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	safe, err := s.engine.IsVaultSafe(params.VaultID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, safetyResult{VaultID: params.VaultID, Safe: safe})
}

func (s *Server) handleVaultGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params vaultIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	v, err := s.engine.GetVault(params.VaultID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, req.ID, codeVaultNotFound, "vault_not_found", nil)
		return
	}
	v.Normalize()
	writeResult(w, req.ID, vaultToJSON(v))
}
