package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/courseref/internal/middleware"
	"github.com/hitoshi/courseref/internal/model"
	"github.com/hitoshi/courseref/internal/referral"
)

// maxRequestBodyBytes は紹介登録リクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// ReferralServiceInterface は紹介ハンドラーが必要とするサービスインターフェース。
type ReferralServiceInterface interface {
	// Submit は重複確認・保存・通知を行い、保存された紹介を返す。
	Submit(ctx context.Context, in referral.SubmitInput) (*model.Referral, error)
}

// ReferralHandler は紹介登録のHTTPハンドラー。
type ReferralHandler struct {
	service ReferralServiceInterface
}

// NewReferralHandler はReferralHandlerを生成する。
func NewReferralHandler(service ReferralServiceInterface) *ReferralHandler {
	return &ReferralHandler{service: service}
}

// submitReferralRequest は紹介登録リクエストのボディ。
// フロントエンドはcamelCaseで送信する。
type submitReferralRequest struct {
	ReferrerName  string `json:"referrerName"`
	ReferrerEmail string `json:"referrerEmail"`
	RefereeName   string `json:"refereeName"`
	RefereeEmail  string `json:"refereeEmail"`
	Course        string `json:"course"`
}

// submitReferralResponse は紹介登録成功時のレスポンス。
type submitReferralResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    *model.Referral `json:"data"`
}

// SubmitReferral は紹介登録を処理する。
// POST /api/referrals
func (h *ReferralHandler) SubmitReferral(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	req, err := decodeSubmitReferralRequest(r.Body)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	created, err := h.service.Submit(r.Context(), referral.SubmitInput{
		ReferrerName:  req.ReferrerName,
		ReferrerEmail: req.ReferrerEmail,
		RefereeName:   req.RefereeName,
		RefereeEmail:  req.RefereeEmail,
		Course:        req.Course,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitReferralResponse{
		Status:  http.StatusOK,
		Message: "Referral submitted successfully",
		Data:    created,
	})
}

// errNotJSONObject はリクエストボディがJSONオブジェクトでない場合のエラー。
var errNotJSONObject = errors.New("request body must be a JSON object")

// decodeSubmitReferralRequest はボディ全体を1つのJSONオブジェクトとして解釈する。
// null・配列・スカラー値や、オブジェクトの後ろに余分なデータがあるボディは拒否する。
func decodeSubmitReferralRequest(body io.Reader) (submitReferralRequest, error) {
	var req submitReferralRequest

	data, err := io.ReadAll(body)
	if err != nil {
		return req, fmt.Errorf("failed to read request body: %w", err)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return req, errNotJSONObject
	}
	// json.Unmarshalは後続データがあるとエラーを返す
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode request body: %w", err)
	}
	return req, nil
}

// handleServiceError はサービス層のエラーを適切なHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if status, ok := mapAPIErrorToHTTPStatus(apiErr); ok {
			middleware.WriteErrorResponse(w, status, apiErr)
			return
		}
	}

	// 想定外のエラーは詳細をログにのみ残す
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) (int, bool) {
	switch apiErr.Code {
	case model.ErrCodeReferralExists:
		return http.StatusConflict, true
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest, true
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests, true
	default:
		return 0, false
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
