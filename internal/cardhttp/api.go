package cardhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/cardshare/internal/card"
	"github.com/keithlinneman/cardshare/internal/httpmw"
	"github.com/keithlinneman/cardshare/internal/log"
	"github.com/keithlinneman/cardshare/internal/ratelimit"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

const (
	// MaxCreateBody caps the create request body
	MaxCreateBody = 64 << 10

	// id collisions are retried with a fresh id this many times
	createAttempts = 3

	maxUserAgentLen = 512
)

// Metrics receives card lifecycle events, nil disables them.
type Metrics interface {
	CardCreated(template string)
	CardDeleted()
	CardViewed()
	StoreError(op string)
}

type Options struct {
	Store   card.Store
	Limiter *ratelimit.Limiter
	Logger  log.Logger
	Metrics Metrics

	// AppURL is the public frontend origin used for share links
	AppURL string

	// CreateRule and DeleteRule default to ratelimit.CreateCard and ratelimit.DeleteCard
	CreateRule ratelimit.Rule
	DeleteRule ratelimit.Rule

	Now   func() time.Time
	NewID func() (string, error)
}

// API serves the card endpoints.
type API struct {
	store   card.Store
	limiter *ratelimit.Limiter
	logger  log.Logger
	metrics Metrics
	appURL  string

	createRule ratelimit.Rule
	deleteRule ratelimit.Rule

	now   func() time.Time
	newID func() (string, error)
}

func New(opts Options) (*API, error) {
	if opts.Store == nil {
		return nil, xerrors.New("cardhttp: store is required")
	}
	if opts.Limiter == nil {
		return nil, xerrors.New("cardhttp: limiter is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.CreateRule.Name == "" {
		opts.CreateRule = ratelimit.CreateCard
	}
	if opts.DeleteRule.Name == "" {
		opts.DeleteRule = ratelimit.DeleteCard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = card.NewID
	}
	return &API{
		store:      opts.Store,
		limiter:    opts.Limiter,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		appURL:     strings.TrimRight(opts.AppURL, "/"),
		createRule: opts.CreateRule,
		deleteRule: opts.DeleteRule,
		now:        opts.Now,
		newID:      opts.NewID,
	}, nil
}

// RegisterRoutes attaches the card endpoints. Create and delete share the
// limiter, so both count against one bucket per client.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(
		api.limiter.Middleware(api.createRule),
		httpmw.MaxBody(MaxCreateBody),
		httpmw.Scope("cards.create"),
	).Post("/api/cards", api.HandleCreate)

	r.With(httpmw.Scope("cards.get")).Get("/api/cards/{id}", api.HandleGet)

	r.With(
		api.limiter.Middleware(api.deleteRule),
		httpmw.Scope("cards.delete"),
	).Delete("/api/cards/{id}", api.HandleDelete)
}

type CreateResponse struct {
	Card       *card.Card `json:"card"`
	ShareURL   string     `json:"share_url"`
	OwnerToken string     `json:"owner_token"`
}

type GetResponse struct {
	Card *card.Card `json:"card"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	var in card.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := in.Validate(); err != nil {
		var ve *card.ValidationError
		if errors.As(err, &ve) {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid card", Details: ve.Fields})
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, "invalid card")
		return
	}

	token := card.NewOwnerToken()
	c, err := api.createWithFreshID(ctx, in, card.HashToken(token))
	if err != nil {
		api.storeFailed(ctx, w, "create", err)
		return
	}

	if api.metrics != nil {
		api.metrics.CardCreated(string(c.TemplateType))
	}
	L.Info(ctx, "card created", "card_id", c.ID, "template", c.TemplateType)

	api.writeJSON(ctx, w, http.StatusCreated, CreateResponse{
		Card:       c,
		ShareURL:   api.appURL + "/l/" + c.ID,
		OwnerToken: token,
	})
}

func (api *API) createWithFreshID(ctx context.Context, in card.CreateInput, ownerHash string) (*card.Card, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := api.newID()
		if err != nil {
			return nil, xerrors.Wrap(err, "generate card id")
		}
		c := card.New(in, id, ownerHash, api.now())
		err = api.store.Create(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, card.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, xerrors.Wrapf(lastErr, "no free card id after %d attempts", createAttempts)
}

func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !card.ValidID(id) {
		api.writeError(ctx, w, http.StatusNotFound, "card not found")
		return
	}

	c, err := api.store.Get(ctx, id)
	if errors.Is(err, card.ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		api.storeFailed(ctx, w, "get", err)
		return
	}

	api.recordView(ctx, r, id)
	api.writeJSON(ctx, w, http.StatusOK, GetResponse{Card: c})
}

// recordView is best effort, a failed insert never fails the read
func (api *API) recordView(ctx context.Context, r *http.Request, id string) {
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	err := api.store.RecordView(ctx, card.View{
		CardID:       id,
		ViewedAt:     api.now().UTC(),
		ViewerIDHash: card.HashToken(httpmw.ClientIDFromContext(ctx)),
		UserAgent:    ua,
	})
	if err != nil {
		if api.metrics != nil {
			api.metrics.StoreError("record_view")
		}
		log.FromContext(ctx).Warn(ctx, "record card view failed", "card_id", id, "error", err)
		return
	}
	if api.metrics != nil {
		api.metrics.CardViewed()
	}
}

func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cardshare"`)
		api.writeError(ctx, w, http.StatusUnauthorized, "owner token required")
		return
	}

	id := chi.URLParam(r, "id")
	if !card.ValidID(id) {
		api.writeError(ctx, w, http.StatusNotFound, "card not found")
		return
	}

	err := api.store.Delete(ctx, id, card.HashToken(token))
	switch {
	case err == nil:
	case errors.Is(err, card.ErrNotFound):
		api.writeError(ctx, w, http.StatusNotFound, "card not found")
		return
	case errors.Is(err, card.ErrForbidden):
		log.FromContext(ctx).Warn(ctx, "card delete with wrong owner token", "card_id", id)
		api.writeError(ctx, w, http.StatusForbidden, "not allowed to delete this card")
		return
	default:
		api.storeFailed(ctx, w, "delete", err)
		return
	}

	if api.metrics != nil {
		api.metrics.CardDeleted()
	}
	log.FromContext(ctx).Info(ctx, "card deleted", "card_id", id)
	api.writeJSON(ctx, w, http.StatusOK, map[string]bool{"success": true})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// storeFailed logs the error and maps an open breaker to 503, everything else to 500
func (api *API) storeFailed(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if api.metrics != nil {
		api.metrics.StoreError(op)
	}
	log.FromContext(ctx).Error(ctx, err, "card store "+op+" failed")
	if errors.Is(err, card.ErrUnavailable) {
		w.Header().Set("Retry-After", "30")
		api.writeError(ctx, w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	api.writeError(ctx, w, http.StatusInternalServerError, "internal error")
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
