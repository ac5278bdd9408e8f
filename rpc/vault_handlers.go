package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/core/pricing"
	"vaultd/native/vault"
)

type accountParams struct {
	Address string `json:"address"`
}

type assetAmountParams struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type borrowParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type depositAndBorrowParams struct {
	Caller       string `json:"caller"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	BorrowAmount string `json:"borrowAmount"`
}

type redeemForRepayParams struct {
	Caller      string `json:"caller"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	RepayAmount string `json:"repayAmount"`
}

type liquidateParams struct {
	Liquidator  string `json:"liquidator"`
	Asset       string `json:"asset"`
	Target      string `json:"target"`
	DebtToCover string `json:"debtToCover"`
}

type assetQueryParams struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount,omitempty"`
	USD    string `json:"usd,omitempty"`
}

type collateralParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type setPriceParams struct {
	Feed       string `json:"feed"`
	Answer     string `json:"answer"`
	ObservedAt int64  `json:"observedAt,omitempty"`
}

type healthFactorResult struct {
	HealthFactor string `json:"healthFactor"`
}

type accountInfoResult struct {
	Debt               string `json:"debt"`
	CollateralValueUSD string `json:"collateralValueUsd"`
	HealthFactor       string `json:"healthFactor"`
}

type liquidateResult struct {
	Repaid string `json:"repaid"`
	Seized string `json:"seized"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

type paramsResult struct {
	LiquidationThreshold uint64 `json:"liquidationThreshold"`
	LiquidationPrecision uint64 `json:"liquidationPrecision"`
	LiquidationBonus     uint64 `json:"liquidationBonus"`
	Precision            string `json:"precision"`
	MinHealthFactor      string `json:"minHealthFactor"`
	StalenessWindow      string `json:"stalenessWindow"`
}

func decodeAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, errors.New("expected 0x-prefixed hex address")
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	return amount, nil
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("expected a single parameter object")
	}
	return json.Unmarshal(req.Params[0], out)
}

// engineError maps engine and oracle failures onto JSON-RPC error codes.
func (s *Server) engineError(w http.ResponseWriter, id interface{}, err error) *RPCError {
	switch {
	case errors.Is(err, pricing.ErrStaleQuote):
		s.metrics.RecordStaleQuote()
		return writeError(w, http.StatusConflict, id, codeStaleQuote, "price feed data is stale", err.Error())
	case errors.Is(err, pricing.ErrFeedNotConfigured):
		return writeError(w, http.StatusNotFound, id, codeNotFound, "price feed not configured", err.Error())
	case errors.Is(err, vault.ErrHealthFactorTooLow),
		errors.Is(err, vault.ErrNotLiquidatable),
		errors.Is(err, vault.ErrLiquidationIneffective):
		return writeError(w, http.StatusConflict, id, codeUnhealthy, err.Error(), nil)
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrAssetNotRegistered),
		errors.Is(err, vault.ErrBalanceUnderflow):
		return writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		return writeError(w, http.StatusInternalServerError, id, codeServerError, "engine operation failed", err.Error())
	}
}

func (s *Server) writeHealthFactor(w http.ResponseWriter, id interface{}, addr common.Address) *RPCError {
	hf, err := s.engine.HealthFactorOf(addr)
	if err != nil {
		return s.engineError(w, id, err)
	}
	return writeResult(w, id, healthFactorResult{HealthFactor: hf.String()})
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input assetAmountParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	if err := s.engine.DepositCollateral(caller, asset, amount); err != nil {
		return s.engineError(w, req.ID, err)
	}
	logger.Info("collateral deposited", "caller", caller.Hex(), "asset", asset.Hex(), "amount", amount.String())
	return s.writeHealthFactor(w, req.ID, caller)
}

func (s *Server) handleBorrow(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input borrowParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	if err := s.engine.Borrow(caller, amount); err != nil {
		return s.engineError(w, req.ID, err)
	}
	logger.Info("debt minted", "caller", caller.Hex(), "amount", amount.String())
	return s.writeHealthFactor(w, req.ID, caller)
}

func (s *Server) handleDepositAndBorrow(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input depositAndBorrowParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	borrowAmount, err := parseAmount(input.BorrowAmount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrowAmount", err.Error())
	}
	if err := s.engine.DepositCollateralAndBorrow(caller, asset, amount, borrowAmount); err != nil {
		return s.engineError(w, req.ID, err)
	}
	logger.Info("collateral deposited and debt minted",
		"caller", caller.Hex(), "asset", asset.Hex(),
		"amount", amount.String(), "borrow_amount", borrowAmount.String())
	return s.writeHealthFactor(w, req.ID, caller)
}

func (s *Server) handleRedeemCollateral(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input assetAmountParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	if err := s.engine.RedeemCollateral(caller, asset, amount); err != nil {
		return s.engineError(w, req.ID, err)
	}
	logger.Info("collateral redeemed", "caller", caller.Hex(), "asset", asset.Hex(), "amount", amount.String())
	return s.writeHealthFactor(w, req.ID, caller)
}

func (s *Server) handleRepay(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input borrowParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	if err := s.engine.Repay(caller, amount); err != nil {
		return s.engineError(w, req.ID, err)
	}
	logger.Info("debt repaid", "caller", caller.Hex(), "amount", amount.String())
	return s.writeHealthFactor(w, req.ID, caller)
}

func (s *Server) handleRedeemForRepay(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input redeemForRepayParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	repayAmount, err := parseAmount(input.RepayAmount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid repayAmount", err.Error())
	}
	if err := s.engine.RedeemCollateralForRepay(caller, asset, amount, repayAmount); err != nil {
		return s.engineError(w, req.ID, err)
	}
	logger.Info("debt repaid and collateral redeemed",
		"caller", caller.Hex(), "asset", asset.Hex(),
		"amount", amount.String(), "repay_amount", repayAmount.String())
	return s.writeHealthFactor(w, req.ID, caller)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input liquidateParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	liquidator, err := decodeAddress(input.Liquidator)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	target, err := decodeAddress(input.Target)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid target", err.Error())
	}
	debtToCover, err := parseAmount(input.DebtToCover)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid debtToCover", err.Error())
	}
	repaid, seized, err := s.engine.Liquidate(liquidator, asset, target, debtToCover)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	s.metrics.RecordLiquidation()
	logger.Info("position liquidated",
		"liquidator", liquidator.Hex(), "target", target.Hex(), "asset", asset.Hex(),
		"repaid", repaid.String(), "seized", seized.String())
	return writeResult(w, req.ID, liquidateResult{Repaid: repaid.String(), Seized: seized.String()})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, req *RPCRequest) *RPCError {
	addr, rpcErr := s.parseAccountParam(w, req)
	if rpcErr != nil {
		return rpcErr
	}
	return s.writeHealthFactor(w, req.ID, addr)
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, req *RPCRequest) *RPCError {
	addr, rpcErr := s.parseAccountParam(w, req)
	if rpcErr != nil {
		return rpcErr
	}
	debt, value, err := s.engine.AccountInfo(addr)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	hf, err := s.engine.HealthFactorOf(addr)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	return writeResult(w, req.ID, accountInfoResult{
		Debt:               debt.String(),
		CollateralValueUSD: value.String(),
		HealthFactor:       hf.String(),
	})
}

func (s *Server) handleCollateral(w http.ResponseWriter, req *RPCRequest) *RPCError {
	var input collateralParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	addr, err := decodeAddress(input.Address)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	deposited, err := s.engine.CollateralDepositedOf(addr, asset)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	return writeResult(w, req.ID, amountResult{Amount: deposited.String()})
}

func (s *Server) handleCollateralValue(w http.ResponseWriter, req *RPCRequest) *RPCError {
	addr, rpcErr := s.parseAccountParam(w, req)
	if rpcErr != nil {
		return rpcErr
	}
	value, err := s.engine.AccountCollateralValue(addr)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	return writeResult(w, req.ID, amountResult{Amount: value.String()})
}

func (s *Server) handleTokenAmountFromUSD(w http.ResponseWriter, req *RPCRequest) *RPCError {
	var input assetQueryParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	usd, err := parseAmount(input.USD)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid usd", err.Error())
	}
	amount, err := s.engine.TokenAmountFromUSD(asset, usd)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	return writeResult(w, req.ID, amountResult{Amount: amount.String()})
}

func (s *Server) handleTokenUSDValue(w http.ResponseWriter, req *RPCRequest) *RPCError {
	var input assetQueryParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	asset, err := decodeAddress(input.Asset)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	value, err := s.engine.TokenUSDValue(asset, amount)
	if err != nil {
		return s.engineError(w, req.ID, err)
	}
	return writeResult(w, req.ID, amountResult{Amount: value.String()})
}

func (s *Server) handleAssets(w http.ResponseWriter, req *RPCRequest) *RPCError {
	if len(req.Params) != 0 {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
	}
	assets := s.engine.RegisteredAssets()
	if assets == nil {
		assets = []vault.Asset{}
	}
	return writeResult(w, req.ID, assets)
}

func (s *Server) handleParams(w http.ResponseWriter, req *RPCRequest) *RPCError {
	if len(req.Params) != 0 {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
	}
	return writeResult(w, req.ID, paramsResult{
		LiquidationThreshold: vault.LiquidationThreshold,
		LiquidationPrecision: vault.LiquidationPrecision,
		LiquidationBonus:     vault.LiquidationBonus,
		Precision:            vault.Precision().String(),
		MinHealthFactor:      vault.MinHealthFactor().String(),
		StalenessWindow:      pricing.StalenessWindow.String(),
	})
}

func (s *Server) handleOracleSetPrice(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) *RPCError {
	var input setPriceParams
	if err := decodeParams(req, &input); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
	}
	feedAddr, err := decodeAddress(input.Feed)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid feed", err.Error())
	}
	answer, err := parseAmount(input.Answer)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid answer", err.Error())
	}
	s.mu.Lock()
	feed, ok := s.feeds[feedAddr]
	s.mu.Unlock()
	if !ok {
		return writeError(w, http.StatusNotFound, req.ID, codeNotFound, "price feed not configured", feedAddr.Hex())
	}
	var observedAt time.Time
	if input.ObservedAt > 0 {
		observedAt = time.Unix(input.ObservedAt, 0)
	}
	if err := feed.SetAnswer(answer, observedAt); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid answer", err.Error())
	}
	logger.Info("oracle price updated", "feed", feedAddr.Hex(), "answer", answer.String())
	return writeResult(w, req.ID, amountResult{Amount: answer.String()})
}

func (s *Server) parseAccountParam(w http.ResponseWriter, req *RPCRequest) (common.Address, *RPCError) {
	if len(req.Params) != 1 {
		return common.Address{}, writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected address parameter", nil)
	}
	var addressParam string
	if err := json.Unmarshal(req.Params[0], &addressParam); err != nil {
		var wrapped accountParams
		if err := json.Unmarshal(req.Params[0], &wrapped); err != nil {
			return common.Address{}, writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address parameter", err.Error())
		}
		addressParam = wrapped.Address
	}
	addr, err := decodeAddress(addressParam)
	if err != nil {
		return common.Address{}, writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
	}
	return addr, nil
}
