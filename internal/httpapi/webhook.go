package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/ids"
	"insightdash.io/internal/obs"
)

const signatureHeader = "X-Signature"

type billingEvent struct {
	UserID      string    `json:"user_id"`
	CompanyID   *string   `json:"company_id"`
	Plan        string    `json:"plan_type"`
	Status      string    `json:"status"`
	PeriodStart time.Time `json:"current_period_start"`
	PeriodEnd   time.Time `json:"current_period_end"`
}

// Sign returns the X-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, header string) bool {
	raw, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (e billingEvent) validate() (entitlement.Plan, entitlement.Status, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return "", "", errors.New("user_id is required")
	}
	plan, err := entitlement.ParsePlan(e.Plan)
	if err != nil {
		return "", "", err
	}
	status, err := entitlement.ParseStatus(e.Status)
	if err != nil {
		return "", "", err
	}
	if e.PeriodStart.IsZero() || !e.PeriodEnd.After(e.PeriodStart) {
		return "", "", errors.New("current_period_end must be after current_period_start")
	}
	return plan, status, nil
}

// handleBillingWebhook applies a signed subscription update from the billing
// provider. Resolvers pick it up through the change notification.
func (a *API) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.WebhookSecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "webhooks disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	if !verifySignature(a.deps.WebhookSecret, body, r.Header.Get(signatureHeader)) {
		writeError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	var evt billingEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&evt); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	plan, status, err := evt.validate()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Stores keep the ID of an existing row on conflict.
	ctx := r.Context()
	now := time.Now().UTC()
	saved, err := a.deps.Subscriptions.UpsertSubscription(ctx, entitlement.Subscription{
		ID:          ids.NewAt(now),
		UserID:      evt.UserID,
		CompanyID:   evt.CompanyID,
		Plan:        plan,
		Status:      status,
		PeriodStart: evt.PeriodStart.UTC(),
		PeriodEnd:   evt.PeriodEnd.UTC(),
		UpdatedAt:   now,
	})
	if err != nil {
		obs.Logger().ErrorContext(ctx, "billing_webhook_upsert_failed", "user_id", evt.UserID, "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "subscription store unavailable")
		return
	}

	a.audit(ctx, "billing.subscription.sync", "subscription", saved.ID, map[string]string{
		"user_id":   saved.UserID,
		"plan_type": string(saved.Plan),
		"status":    string(saved.Status),
	})
	writeJSON(w, http.StatusOK, saved)
}
