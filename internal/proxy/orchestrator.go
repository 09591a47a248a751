// Package proxy runs one page's query batch end to end: token resolution,
// a single backend call, demultiplexing and response enrichment.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/auth"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/batch"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/demux"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/duotone"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/models"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/storage"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/tracking"
	"github.com/sirupsen/logrus"
)

// TokenResolver is the part of auth.Provider the orchestrator needs
type TokenResolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (*auth.Resolution, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.Resolution, error)
}

// Dispatcher sends a batch to the backend
type Dispatcher interface {
	Dispatch(ctx context.Context, qs query.Queries, token string, opts batch.Options) (*batch.Result, error)
}

// Observer receives per-batch outcome counts (metrics)
type Observer interface {
	ObserveQueries(ok, failed, missing int)
	ObserveOutcome(code string)
}

// Config wires the orchestrator's collaborators. Flags, Recorder and
// Observer are optional.
type Config struct {
	Auth       TokenResolver
	Dispatcher Dispatcher
	Signer     *duotone.Signer
	Flags      storage.FlagResolver
	Recorder   storage.ActivityRecorder
	Observer   Observer
	Logger     *logrus.Logger
}

// Orchestrator is safe for concurrent use; all batch state is local to Run
type Orchestrator struct {
	auth       TokenResolver
	dispatcher Dispatcher
	signer     *duotone.Signer
	flags      storage.FlagResolver
	recorder   storage.ActivityRecorder
	observer   Observer
	logger     *logrus.Logger
}

// Request is one page's batch plus the caller's credential context
type Request struct {
	Queries     query.Queries
	Credentials auth.Credentials
	Language    string
	Method      string // Overrides the method derived from the queries
}

// Result is always populated: Response holds exactly one ProxyResponse
// variant, Cookies the tokens minted on the way (even if a later step failed).
type Result struct {
	Response query.ProxyResponse
	Cookies  []auth.CookieInstruction
	BatchID  string
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("token resolver is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("duotone signer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Orchestrator{
		auth:       cfg.Auth,
		dispatcher: cfg.Dispatcher,
		signer:     cfg.Signer,
		flags:      cfg.Flags,
		recorder:   cfg.Recorder,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}, nil
}

// Run executes the batch. It never panics and never returns nil.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result) {
	start := time.Now()
	method := req.Method
	if method == "" {
		method = req.Queries.Method()
	}

	act := tracking.NewActivity(method)
	act.Refs = req.Queries.Refs()
	act.Endpoints = endpoints(req.Queries)
	act.Language = req.Language
	res = &Result{BatchID: act.BatchID}

	defer func() {
		if p := recover(); p != nil {
			o.logger.WithField("batch_id", act.BatchID).Errorf("panic in proxy batch: %v", p)
			res.Response = query.Failure(constants.ErrCodeTransport, "internal error")
		}
		act.ErrorCode = res.Response.Error
		act.DurationMs = time.Since(start).Milliseconds()
		o.finish(ctx, act, res)
	}()

	res.Response = o.run(ctx, req, method, act, res)
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request, method string, act *models.Activity, res *Result) query.ProxyResponse {
	qs := req.Queries
	if err := qs.Validate(); err != nil {
		return query.Failure(constants.ErrCodeInvalidQueries, err.Error())
	}
	if len(qs) == 0 {
		return query.Success(nil)
	}
	log := o.logger.WithField("batch_id", act.BatchID)

	resolution, err := o.auth.Resolve(ctx, req.Credentials)
	if err != nil {
		return o.failure(log, err)
	}
	res.Cookies = append(res.Cookies, resolution.Cookies...)
	act.AuthSource = string(resolution.Source)
	if resolution.State.OAuthToken == "" {
		return o.failure(log, &auth.Error{Op: string(resolution.Source), Err: auth.ErrNoAccessToken})
	}

	opts := batch.Options{Method: method, Language: req.Language}
	br, err := o.dispatcher.Dispatch(ctx, qs, resolution.State.OAuthToken, opts)

	// A rejected cookie token gets one refresh and one more batch call
	var te *batch.TransportError
	if err != nil && errors.As(err, &te) && te.Unauthorized() &&
		resolution.Source == auth.SourceCookie && req.Credentials.RefreshToken != "" {
		log.Debug("backend rejected oauth token, refreshing")
		refreshed, rerr := o.auth.Refresh(ctx, req.Credentials.RefreshToken)
		if rerr != nil {
			return o.failure(log, rerr)
		}
		res.Cookies = append(res.Cookies, refreshed.Cookies...)
		act.AuthSource = string(refreshed.Source)
		br, err = o.dispatcher.Dispatch(ctx, qs, refreshed.State.OAuthToken, opts)
	}
	if err != nil {
		return o.failure(log, err)
	}
	act.StatusCode = br.StatusCode
	act.Attempts = br.Attempts

	byRef, stats, err := demux.Demultiplex(qs, br.Body)
	if err != nil {
		return o.failure(log, err)
	}
	act.Missing = stats.Missing
	if stats.Unknown > 0 || stats.Duplicates > 0 {
		log.WithFields(logrus.Fields{
			"unknown":    stats.Unknown,
			"duplicates": stats.Duplicates,
		}).Warn("backend returned unexpected refs")
	}

	ordered := make([]query.QueryResponse, len(qs))
	for i, q := range qs {
		r := byRef[q.Ref]
		if r.Type == "" {
			r.Type = q.Type
		}
		ordered[i] = r
	}

	setDuotones := duotone.Setter(o.signer.URLs(duotone.Collect(ordered)))
	enabled := o.enabledFlags(ctx, log, qs)
	for i, q := range qs {
		r := setDuotones(ordered[i])
		r.Meta = withMeta(r.Meta, br.StatusCode, q.Endpoint)
		r.Flags = mergeFlags(r.Flags, q, enabled)
		if r.IsError() {
			act.QueryErrors++
		}
		ordered[i] = r
	}

	return query.Success(ordered)
}

// enabledFlags resolves every flag named in the batch with one lookup.
// Lookup failures leave flags unresolved rather than failing the batch.
func (o *Orchestrator) enabledFlags(ctx context.Context, log *logrus.Entry, qs query.Queries) map[string]bool {
	if o.flags == nil {
		return nil
	}
	var names []string
	for _, q := range qs {
		if q.Meta != nil {
			names = append(names, q.Meta.Flags...)
		}
	}
	if len(names) == 0 {
		return nil
	}

	on, err := o.flags.Enabled(ctx, names)
	if err != nil {
		log.WithError(err).Warn("failed to resolve feature flags")
		return nil
	}
	out := make(map[string]bool, len(on))
	for _, n := range on {
		out[n] = true
	}
	return out
}

func (o *Orchestrator) failure(log *logrus.Entry, err error) query.ProxyResponse {
	code, msg := classify(err)
	log.WithError(err).WithField("code", code).Warn("proxy batch failed")
	return query.Failure(code, msg)
}

func (o *Orchestrator) finish(ctx context.Context, act *models.Activity, res *Result) {
	if o.observer != nil {
		o.observer.ObserveOutcome(res.Response.Error)
		if !res.Response.IsError() {
			failed := act.QueryErrors
			o.observer.ObserveQueries(len(res.Response.Responses)-failed, failed-act.Missing, act.Missing)
		}
	}
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, act); err != nil {
			o.logger.WithError(err).WithField("batch_id", act.BatchID).Warn("failed to record activity")
		}
	}
}

// classify maps a pipeline error onto a stable proxy error code
func classify(err error) (string, string) {
	var ae *auth.Error
	var te *batch.TransportError
	switch {
	case errors.As(err, &ae), errors.Is(err, batch.ErrMissingToken):
		return constants.ErrCodeAuth, "could not obtain an API token"
	case errors.As(err, &te) && te.Unauthorized():
		return constants.ErrCodeAuth, "backend rejected the API token"
	case errors.Is(err, demux.ErrMalformedBody):
		return constants.ErrCodeMalformed, "backend returned a malformed response"
	case errors.As(err, &te) && te.Malformed:
		return constants.ErrCodeMalformed, "backend returned a malformed response"
	case errors.As(err, &te) && te.StatusCode != 0:
		return constants.ErrCodeTransport, fmt.Sprintf("backend request failed with status %d", te.StatusCode)
	}
	return constants.ErrCodeTransport, "backend request failed"
}

func withMeta(meta map[string]any, status int, endpoint string) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["statusCode"] = status
	out["endpoint"] = endpoint
	return out
}

func mergeFlags(existing []string, q query.Query, enabled map[string]bool) []string {
	if q.Meta == nil || len(q.Meta.Flags) == 0 || len(enabled) == 0 {
		return existing
	}
	set := make(map[string]struct{}, len(existing)+len(q.Meta.Flags))
	for _, f := range existing {
		set[f] = struct{}{}
	}
	for _, f := range q.Meta.Flags {
		if enabled[f] {
			set[f] = struct{}{}
		}
	}
	if len(set) == 0 {
		return existing
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func endpoints(qs query.Queries) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Endpoint
	}
	return out
}
