package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postpipe/internal/dispatch"
	"postpipe/internal/model"
	"postpipe/pkg/logx"

	"github.com/go-chi/chi/v5"
)

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPostRequest struct {
	Owner   string           `json:"owner"`
	TopicID string           `json:"topic_id,omitempty"`
	Title   string           `json:"title,omitempty"`
	Content string           `json:"content"`
	Status  model.PostStatus `json:"status,omitempty"`
}

func (h *handlers) createPost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	p, err := h.deps.Store.CreatePost(r.Context(), model.Post{
		Owner:   strings.TrimSpace(req.Owner),
		TopicID: req.TopicID,
		Title:   req.Title,
		Content: req.Content,
		Status:  req.Status,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := strings.TrimSpace(q.Get("owner"))
	if owner == "" {
		writeError(w, h.log, model.InvalidArgument("owner is required"))
		return
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, h.log, model.InvalidArgument("limit must be a positive integer"))
			return
		}
		limit = min(n, 500)
	}
	posts, err := h.deps.Store.ListPostsByOwner(r.Context(), owner, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (h *handlers) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Store.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type contentRequest struct {
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

func (h *handlers) updateContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	p, err := h.deps.Store.UpdatePostContent(r.Context(), chi.URLParam(r, "id"), req.Content, req.Title)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type statusRequest struct {
	Status model.PostStatus `json:"status"`
}

// updateStatus handles the user-driven moves. Leaving scheduled cancels the
// pending entry first.
func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	switch req.Status {
	case model.PostDraft, model.PostBacklog, model.PostGenerated:
	default:
		writeError(w, h.log, model.InvalidArgument("status must be draft, backlog or generated"))
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")
	cur, err := h.deps.Store.GetPost(ctx, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if cur.Status == model.PostScheduled {
		if _, err := h.deps.Scheduler.Unschedule(ctx, id); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	p, err := h.deps.Store.UpdatePostStatus(ctx, id, req.Status, model.StatusFields{})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type scheduleRequest struct {
	Destination  model.Destination `json:"destination"`
	ScheduledFor time.Time         `json:"scheduled_for"`
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	e, err := h.deps.Scheduler.Schedule(r.Context(), chi.URLParam(r, "id"), req.Destination, req.ScheduledFor)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *handlers) unschedule(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Scheduler.Unschedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type publishRequest struct {
	Destination model.Destination `json:"destination"`
}

func (h *handlers) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	res, err := h.deps.Publisher.PublishNow(r.Context(), chi.URLParam(r, "id"), req.Destination)
	if err != nil {
		var out *dispatch.Result
		if res.Status != "" {
			out = &res
		}
		writeErrorResult(w, h.log, err, out)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Store.GetPost(ctx, id); err != nil {
		writeError(w, h.log, err)
		return
	}
	entries, err := h.deps.Store.ListByPost(ctx, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.deps.Store.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	rep := h.deps.Sweeper.SweepNow(r.Context())
	if rep.Err != nil && rep.Processed == 0 {
		writeError(w, h.log, rep.Err)
		return
	}
	if rep.Outcomes == nil {
		rep.Outcomes = []dispatch.Outcome{}
	}
	writeJSON(w, http.StatusOK, rep)
}

type usageResponse struct {
	model.Usage
	Remaining int `json:"remaining"`
}

func (h *handlers) usage(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = h.deps.Ledger.Period(h.deps.Now())
	}
	u, err := h.deps.Ledger.Status(r.Context(), chi.URLParam(r, "owner"), period)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Usage: u, Remaining: u.Remaining()})
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Store.GetSettings(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Masked())
}

// settingsRequest is a partial update: nil fields keep the stored value.
type settingsRequest struct {
	RelayAPIKey      *string `json:"relay_api_key"`
	WebhookURL       *string `json:"webhook_url"`
	TelegramBotToken *string `json:"telegram_bot_token"`
	MonthlyLimit     *int    `json:"monthly_limit"`
}

func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.MonthlyLimit != nil && *req.MonthlyLimit < 0 {
		writeError(w, h.log, model.InvalidArgument("monthly_limit must not be negative"))
		return
	}

	ctx := r.Context()
	owner := chi.URLParam(r, "owner")
	cur, err := h.deps.Store.GetSettings(ctx, owner)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		writeError(w, h.log, err)
		return
	}
	cur.Owner = owner
	if req.RelayAPIKey != nil {
		cur.RelayAPIKey = strings.TrimSpace(*req.RelayAPIKey)
	}
	if req.WebhookURL != nil {
		cur.WebhookURL = strings.TrimSpace(*req.WebhookURL)
	}
	if req.TelegramBotToken != nil {
		cur.TelegramBotToken = strings.TrimSpace(*req.TelegramBotToken)
	}
	if req.MonthlyLimit != nil {
		cur.MonthlyLimit = *req.MonthlyLimit
	}

	saved, err := h.deps.Store.PutSettings(ctx, cur)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("settings updated", logx.String("owner", owner))
	writeJSON(w, http.StatusOK, saved.Masked())
}
