package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	CodeConflict   = "idempotency_conflict"
	CodeInProgress = "idempotency_in_progress"

	conflictTitle = "Idempotency-Key conflict"
)

// Outcomes reported to Metrics.
const (
	OutcomeStored     = "stored"
	OutcomeReplayed   = "replayed"
	OutcomeConflict   = "conflict"
	OutcomeInProgress = "in_progress"
	OutcomeReleased   = "released"
	OutcomeStoreError = "store_error"
)

type Metrics interface {
	IncIdempotency(outcome string)
	IncStoreError(component string)
}

type nopMetrics struct{}

func (nopMetrics) IncIdempotency(string) {}
func (nopMetrics) IncStoreError(string)  {}

type Options struct {
	Store      kvstore.Store
	Policy     policy.Source
	Normalizer *problem.Normalizer
	Logger     log.Logger
	Metrics    Metrics
}

type Coordinator struct {
	store   kvstore.Store
	policy  policy.Source
	n       *problem.Normalizer
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:   opts.Store,
		policy:  opts.Policy,
		n:       opts.Normalizer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
	if c.policy == nil {
		c.policy = policy.Static(nil)
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	return c
}

func appliesTo(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// scope ties a key to whoever sent it so two clients cannot collide.
func scope(ctx context.Context) string {
	if p := reqctx.PrincipalFrom(ctx); p != nil && p.UserID != "" {
		return "user:" + p.UserID
	}
	ip := httpmw.ClientIPFromContext(ctx)
	if ip == "" {
		ip = reqctx.MustFrom(ctx).ClientIP
	}
	if ip == "" {
		return ""
	}
	return "ip:" + ip
}

// StoreKey builds the store key for a client key and scope.
func StoreKey(clientKey, scope string) string {
	return "idempotency:" + clientKey + ":" + scope
}

func (c *Coordinator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientKey := strings.TrimSpace(r.Header.Get(HeaderKey))
		if !appliesTo(r.Method) || clientKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		doc := c.policy.Current().Idempotency
		if doc.MaxKeyLength > 0 && len(clientKey) > doc.MaxKeyLength {
			c.fail(w, r, apperr.FieldError(HeaderKey,
				fmt.Sprintf("The %s may not be greater than %d characters.", HeaderKey, doc.MaxKeyLength)))
			return
		}

		who := scope(ctx)
		if who == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := StoreKey(clientKey, who)
		fp := Fingerprint(requestBody(r))

		raw, err := c.store.Get(ctx, key)
		switch {
		case err == nil:
			c.existing(w, r, raw, fp)
			return
		case !errors.Is(err, kvstore.ErrNotFound):
			c.storeFailed(w, r, xerrors.Wrap(err, "idempotency lookup"))
			return
		}

		marker, _ := json.Marshal(Record{PayloadFingerprint: fp, InFlight: true, CreatedAt: c.now().UTC()})
		claimed, err := c.store.SetNX(ctx, key, marker, doc.LockTTL)
		if err != nil {
			c.storeFailed(w, r, xerrors.Wrap(err, "idempotency claim"))
			return
		}
		if !claimed {
			// another request claimed the key between the lookup and the claim
			raw, err := c.store.Get(ctx, key)
			if err != nil {
				c.metrics.IncIdempotency(OutcomeInProgress)
				c.fail(w, r, inProgress())
				return
			}
			c.existing(w, r, raw, fp)
			return
		}

		c.run(w, r, next, key, fp, doc)
	})
}

func (c *Coordinator) run(w http.ResponseWriter, r *http.Request, next http.Handler, key, fp string, doc policy.IdempotencyPolicy) {
	ctx := r.Context()
	limit := doc.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	capture := httpmw.NewCapture(w, limit)

	defer func() {
		if p := recover(); p != nil {
			c.release(ctx, key, "panic")
			panic(p)
		}
	}()
	next.ServeHTTP(capture, r)

	if capture.Overflowed() {
		c.release(ctx, key, "response exceeded capture limit")
		return
	}
	status := capture.Status()
	if status >= http.StatusInternalServerError {
		c.release(ctx, key, "server error")
		_ = capture.Commit()
		return
	}

	rec := Record{
		PayloadFingerprint: fp,
		Response: &StoredResponse{
			Status:  status,
			Body:    append([]byte(nil), capture.Body()...),
			Headers: storableHeaders(w.Header()),
		},
		CreatedAt: c.now().UTC(),
	}
	if data, err := json.Marshal(rec); err != nil {
		c.logger.Error(ctx, err, "idempotency record encode failed")
		c.release(ctx, key, "encode failed")
	} else if err := c.store.Set(context.WithoutCancel(ctx), key, data, doc.TTL); err != nil {
		c.metrics.IncStoreError("idempotency")
		log.FromContext(ctx).Error(ctx, err, "idempotency record not persisted")
		c.release(ctx, key, "persist failed")
	} else {
		c.metrics.IncIdempotency(OutcomeStored)
	}

	if err := capture.Commit(); err != nil {
		log.FromContext(ctx).Warn(ctx, "response write failed", "error", err.Error())
	}
}

// existing answers a request whose key already has a record or marker.
func (c *Coordinator) existing(w http.ResponseWriter, r *http.Request, raw []byte, fp string) {
	rec, err := decodeRecord(raw)
	if err != nil {
		c.storeFailed(w, r, xerrors.Wrap(err, "idempotency record decode"))
		return
	}
	if !rec.matches(fp) {
		c.metrics.IncIdempotency(OutcomeConflict)
		c.fail(w, r, apperr.Policy(http.StatusUnprocessableEntity, CodeConflict, conflictTitle,
			"The same Idempotency-Key was used with a different request payload.").
			WithExtension("error", conflictTitle))
		return
	}
	if rec.InFlight || rec.Response == nil {
		c.metrics.IncIdempotency(OutcomeInProgress)
		c.fail(w, r, inProgress())
		return
	}

	c.metrics.IncIdempotency(OutcomeReplayed)
	h := w.Header()
	for k, v := range rec.Response.Headers {
		h[k] = append([]string(nil), v...)
	}
	h.Set(HeaderReplayed, "true")
	w.WriteHeader(rec.Response.Status)
	_, _ = w.Write(rec.Response.Body)
}

func inProgress() *apperr.Error {
	return apperr.Policy(http.StatusConflict, CodeInProgress, "Request In Progress",
		"A request with this Idempotency-Key is still being processed.")
}

func (c *Coordinator) release(ctx context.Context, key, reason string) {
	c.metrics.IncIdempotency(OutcomeReleased)
	if err := c.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		c.metrics.IncStoreError("idempotency")
		log.FromContext(ctx).Error(ctx, err, "idempotency marker release failed", "reason", reason)
		return
	}
	log.FromContext(ctx).Warn(ctx, "idempotency marker released", "reason", reason)
}

func (c *Coordinator) storeFailed(w http.ResponseWriter, r *http.Request, err error) {
	c.metrics.IncIdempotency(OutcomeStoreError)
	c.metrics.IncStoreError("idempotency")
	c.fail(w, r, apperr.Unavailable(err))
}

func (c *Coordinator) fail(w http.ResponseWriter, r *http.Request, err *apperr.Error) {
	if c.n == nil {
		http.Error(w, err.Detail, err.Status)
		return
	}
	c.n.Write(w, r, err)
}

// requestBody prefers the copy taken by MaxBody and reads the body itself
// otherwise, leaving a fresh reader in place for the handler.
func requestBody(r *http.Request) []byte {
	if b := httpmw.RequestBody(r.Context()); b != nil {
		return b
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	return data
}
