package handlers

import (
	"net/http"

	"github.com/sillymd/hub/internal/api/middleware"
	"github.com/sillymd/hub/internal/api/response"
	"github.com/sillymd/hub/internal/models"
)

// UsageHandler reports the authenticated account's quota standing.
type UsageHandler struct {
	quota QuotaChecker
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(quota QuotaChecker) *UsageHandler {
	return &UsageHandler{quota: quota}
}

type usageResponse struct {
	Tier      models.Tier `json:"tier"`
	TierName  string      `json:"tier_name"`
	Unlimited bool        `json:"unlimited"`
	Limit     *int64      `json:"limit"`
	Used      int64       `json:"used"`
	Remaining *int64      `json:"remaining"`
	ResetDate string      `json:"reset_date"`
}

// Get handles GET /api/v1/user/usage
// @Summary Get current usage
// @Description Returns the account's tier, monthly usage, and reset date
// @Tags Usage
// @Produce json
// @Success 200 {object} usageResponse
// @Failure 401 {object} ProblemDetails
// @Security BearerAuth
// @Router /api/v1/user/usage [get]
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		response.RespondUnauthorized(w, "Missing account context")
		return
	}

	status, err := h.quota.CheckQuota(r.Context(), accountID)
	if err != nil {
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	resp := usageResponse{
		Tier:      status.Tier,
		TierName:  status.Tier.DisplayName(),
		Unlimited: status.Limit == nil,
		Limit:     status.Limit,
		Used:      status.Used,
		ResetDate: status.ResetDate,
	}

	// Remaining here is pure headroom, not the admission-time view.
	if status.Limit != nil {
		remaining := *status.Limit - status.Used
		if remaining < 0 {
			remaining = 0
		}
		resp.Remaining = &remaining
	}

	response.RespondJSON(w, http.StatusOK, resp)
}
