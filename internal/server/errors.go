package server

import (
	"MarketLedger/internal/apperr"
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPStatus maps an error kind to its HTTP status.
func HTTPStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperr.KindExternal:
		return http.StatusBadGateway
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error kind to its gRPC status code.
func GRPCCode(err error) codes.Code {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return codes.InvalidArgument
	case apperr.KindConflict, apperr.KindInsufficientBalance:
		return codes.FailedPrecondition
	case apperr.KindExternal:
		return codes.Unavailable
	case apperr.KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

func grpcError(err error) error {
	return status.Error(GRPCCode(err), err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	var body errorBody
	body.Error.Code = apperr.CodeOf(err)
	body.Error.Kind = apperr.KindOf(err).String()
	body.Error.Message = err.Error()
	if code == http.StatusInternalServerError {
		// Internal detail stays in the logs.
		body.Error.Message = "internal error"
	}
	writeJSON(w, code, body)
}
