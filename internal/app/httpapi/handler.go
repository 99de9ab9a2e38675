// Package httpapi exposes the engagement services over a JSON REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/civic-chain/engagement/internal/app"
	"github.com/civic-chain/engagement/internal/app/domain/activity"
	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	activitysvc "github.com/civic-chain/engagement/internal/app/services/activities"
	proposalsvc "github.com/civic-chain/engagement/internal/app/services/proposals"
	rewardsvc "github.com/civic-chain/engagement/internal/app/services/rewards"
	usersvc "github.com/civic-chain/engagement/internal/app/services/users"
)

// Options tunes the handler.
type Options struct {
	// AuditLimit caps the in-memory audit ring. Zero means the default.
	AuditLimit int
	// AuditFile, when set, appends audit entries as JSONL.
	AuditFile string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	auth  *Auth
	audit *auditLog
}

// NewHandler returns the REST API handler, wrapped with authentication and
// audit logging.
func NewHandler(application *app.Application, auth *Auth, opts Options) (http.Handler, error) {
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, err
	}
	var auditSink auditSink
	if sink != nil {
		auditSink = sink
	}
	h := &handler{
		app:   application,
		auth:  auth,
		audit: newAuditLog(opts.AuditLimit, auditSink),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/auth/register", h.register)
	mux.HandleFunc("/auth/login", h.login)
	mux.HandleFunc("/users", h.users)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/leaderboard", h.leaderboard)
	mux.HandleFunc("/activities", h.activities)
	mux.HandleFunc("/activities/", h.activityResources)
	mux.HandleFunc("/proposals", h.proposals)
	mux.HandleFunc("/proposals/", h.proposalResources)
	mux.HandleFunc("/rewards", h.rewards)
	mux.HandleFunc("/rewards/", h.rewardResources)
	mux.HandleFunc("/admin/audit", h.auditEntries)

	return auth.Middleware(h.auditMiddleware(mux)), nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userResponse augments the stored record with the derived tier.
type userResponse struct {
	user.User
	Tier user.Tier `json:"tier"`
}

func userView(u user.User) userResponse {
	return userResponse{User: u, Tier: u.Tier()}
}

type tokenResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
		Password    string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	u, err := h.app.Users.Register(r.Context(), usersvc.RegisterInput{
		DisplayName: payload.DisplayName,
		Email:       payload.Email,
		Password:    payload.Password,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token, err := h.auth.IssueToken(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: userView(u)})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	u, err := h.app.Users.Authenticate(r.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token, err := h.auth.IssueToken(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: userView(u)})
}

func (h *handler) users(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.app.Users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]userResponse, 0, len(list))
	for _, u := range list {
		out = append(out, userView(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	id, rest := splitResource(r.URL.Path, "/users")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	actor, _ := actorFrom(r.Context())

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			u, err := h.app.Users.Get(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, userView(u))
		case http.MethodPut, http.MethodPatch:
			var payload struct {
				DisplayName *string `json:"display_name"`
				Bio         *string `json:"bio"`
				Location    *string `json:"location"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			u, err := h.app.Users.UpdateProfile(r.Context(), actor, id, usersvc.ProfileUpdate{
				DisplayName: payload.DisplayName,
				Bio:         payload.Bio,
				Location:    payload.Location,
			})
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, userView(u))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if rest == "promote" && r.Method == http.MethodPost {
		u, err := h.app.Users.MakeAdmin(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userView(u))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.app.Leaderboard.Top(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) activities(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Category    string `json:"category"`
			Points      int    `json:"points"`
			Location    string `json:"location"`
			Evidence    string `json:"evidence"`
			Status      string `json:"status"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := h.app.Activities.Submit(r.Context(), actor, activitysvc.SubmitInput{
			Title:       payload.Title,
			Description: payload.Description,
			Category:    activity.Category(payload.Category),
			Points:      payload.Points,
			Location:    payload.Location,
			Evidence:    payload.Evidence,
			Status:      activity.Status(payload.Status),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		q := r.URL.Query()
		list, err := h.app.Activities.List(r.Context(), q.Get("owner_id"), activity.Status(q.Get("status")))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) activityResources(w http.ResponseWriter, r *http.Request) {
	id, rest := splitResource(r.URL.Path, "/activities")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	actor, _ := actorFrom(r.Context())

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			a, err := h.app.Activities.Get(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, a)
		case http.MethodPut, http.MethodPatch:
			var payload struct {
				Title       *string `json:"title"`
				Description *string `json:"description"`
				Category    *string `json:"category"`
				Points      *int    `json:"points"`
				Location    *string `json:"location"`
				Evidence    *string `json:"evidence"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			in := activitysvc.UpdateInput{
				Title:       payload.Title,
				Description: payload.Description,
				Points:      payload.Points,
				Location:    payload.Location,
				Evidence:    payload.Evidence,
			}
			if payload.Category != nil {
				cat := activity.Category(*payload.Category)
				in.Category = &cat
			}
			a, err := h.app.Activities.Update(r.Context(), actor, id, in)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, a)
		case http.MethodDelete:
			if err := h.app.Activities.Delete(r.Context(), actor, id); err != nil {
				writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if rest == "verify" && r.Method == http.MethodPost {
		var payload struct {
			Verdict string `json:"verdict"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a, err := h.app.Activities.Verify(r.Context(), actor, id, activity.Status(payload.Verdict))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) proposals(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Title          string    `json:"title"`
			Description    string    `json:"description"`
			Category       string    `json:"category"`
			VotingDeadline time.Time `json:"voting_deadline"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := h.app.Proposals.Create(r.Context(), actor, proposalsvc.CreateInput{
			Title:          payload.Title,
			Description:    payload.Description,
			Category:       proposal.Category(payload.Category),
			VotingDeadline: payload.VotingDeadline,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		list, err := h.app.Proposals.List(r.Context(), proposal.Status(r.URL.Query().Get("status")))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) proposalResources(w http.ResponseWriter, r *http.Request) {
	id, rest := splitResource(r.URL.Path, "/proposals")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	actor, _ := actorFrom(r.Context())

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			p, err := h.app.Proposals.Get(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodPut, http.MethodPatch:
			var payload struct {
				Title          *string    `json:"title"`
				Description    *string    `json:"description"`
				Category       *string    `json:"category"`
				VotingDeadline *time.Time `json:"voting_deadline"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			in := proposalsvc.UpdateInput{
				Title:          payload.Title,
				Description:    payload.Description,
				VotingDeadline: payload.VotingDeadline,
			}
			if payload.Category != nil {
				cat := proposal.Category(*payload.Category)
				in.Category = &cat
			}
			p, err := h.app.Proposals.Update(r.Context(), actor, id, in)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodDelete:
			if err := h.app.Proposals.Delete(r.Context(), actor, id); err != nil {
				writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch {
	case rest == "votes" && r.Method == http.MethodPost:
		var payload struct {
			Choice string `json:"choice"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, err := h.app.Proposals.CastVote(r.Context(), actor, id, proposal.Choice(payload.Choice))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case rest == "resolve" && r.Method == http.MethodPost:
		p, err := h.app.Proposals.Resolve(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case rest == "implement" && r.Method == http.MethodPost:
		var payload struct {
			Note string `json:"note"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, err := h.app.Proposals.MarkImplemented(r.Context(), actor, id, payload.Note)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) rewards(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Title       string     `json:"title"`
			Description string     `json:"description"`
			Category    string     `json:"category"`
			PointsCost  int        `json:"points_cost"`
			Quantity    int        `json:"quantity"`
			Sponsor     string     `json:"sponsor"`
			ImageURL    string     `json:"image_url"`
			ExpiresAt   *time.Time `json:"expires_at"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := h.app.Rewards.Create(r.Context(), actor, rewardsvc.CreateInput{
			Title:       payload.Title,
			Description: payload.Description,
			Category:    payload.Category,
			PointsCost:  payload.PointsCost,
			Quantity:    payload.Quantity,
			Sponsor:     payload.Sponsor,
			ImageURL:    payload.ImageURL,
			ExpiresAt:   payload.ExpiresAt,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		availableOnly := r.URL.Query().Get("available") == "true"
		list, err := h.app.Rewards.List(r.Context(), availableOnly)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) rewardResources(w http.ResponseWriter, r *http.Request) {
	id, rest := splitResource(r.URL.Path, "/rewards")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	actor, _ := actorFrom(r.Context())

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			rw, err := h.app.Rewards.Get(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rw)
		case http.MethodPut, http.MethodPatch:
			var payload struct {
				Title       *string    `json:"title"`
				Description *string    `json:"description"`
				Category    *string    `json:"category"`
				PointsCost  *int       `json:"points_cost"`
				Quantity    *int       `json:"quantity"`
				Available   *bool      `json:"available"`
				Sponsor     *string    `json:"sponsor"`
				ImageURL    *string    `json:"image_url"`
				ExpiresAt   *time.Time `json:"expires_at"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			rw, err := h.app.Rewards.Update(r.Context(), actor, id, rewardsvc.UpdateInput{
				Title:       payload.Title,
				Description: payload.Description,
				Category:    payload.Category,
				PointsCost:  payload.PointsCost,
				Quantity:    payload.Quantity,
				Available:   payload.Available,
				Sponsor:     payload.Sponsor,
				ImageURL:    payload.ImageURL,
				ExpiresAt:   payload.ExpiresAt,
			})
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rw)
		case http.MethodDelete:
			if err := h.app.Rewards.Delete(r.Context(), actor, id); err != nil {
				writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if rest == "claim" && r.Method == http.MethodPost {
		rw, err := h.app.Rewards.Claim(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rw)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, _ := actorFrom(r.Context())
	if !actor.IsAdmin() {
		writeError(w, http.StatusForbidden, errors.New("admin role required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// splitResource extracts the entity ID and optional sub-resource from a path
// like /users/{id}/promote.
func splitResource(path, prefix string) (id, rest string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	return id, rest
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrInvalidState), errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	}
	writeError(w, status, err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
