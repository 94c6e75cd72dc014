package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/engine"
	"tradeescrow/internal/engine/auth"
	"tradeescrow/internal/gateway"
	"tradeescrow/internal/repo"
	"tradeescrow/internal/scheduler"
)

// SignatureHeader carries the gateway's HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// Sweeper runs one auto-release pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (scheduler.Report, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Sweeper        Sweeper
	BasePath       string
	Auth           AuthConfig
	AllowedOrigins []string
	Logger         *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_released"`
	Message string         `json:"message" example:"escrow already released"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

// routes bundles what the handlers need.
type routes struct {
	engine  engine.Engine
	auth    auth.Service
	sweeper Sweeper
	secret  string
}

// New returns an HTTP handler exposing the escrow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key"},
			MaxAge:         300,
		}))
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trade Escrow API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := routes{
		engine:  cfg.Engine,
		auth:    auth.Service{Config: cfg.Engine.Config},
		sweeper: cfg.Sweeper,
	}
	if cfg.Engine.Config != nil {
		a.secret = cfg.Engine.Config.Gateway.WebhookSecret
	}

	registerHealth(group)
	a.registerPayments(group)
	a.registerGatewayWebhook(group)
	a.registerEscrows(group)
	a.registerWithdrawals(group)
	a.registerProjects(group)
	a.registerCatalog(group)
	a.registerDisputes(group)
	a.registerBalances(group)
	a.registerSweeps(group)
	a.registerEvents(group)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var fs auth.ForbiddenSubjectError
	if errors.As(err, &fs) {
		return newAPIError(http.StatusForbidden, "forbidden_subject", err.Error(), map[string]any{"subject_id": fs.SubjectID})
	}
	var de *domain.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case domain.KindValidation:
			if de.Code == domain.ErrInvalidInput.Code {
				return newAPIError(http.StatusBadRequest, de.Code, de.Message, nil)
			}
			return newAPIError(http.StatusUnprocessableEntity, de.Code, de.Message, nil)
		case domain.KindTransition, domain.KindConflict:
			return newAPIError(http.StatusConflict, de.Code, de.Message, nil)
		case domain.KindGateway:
			return newAPIError(http.StatusBadGateway, de.Code, de.Message, nil)
		case domain.KindNotFound:
			return newAPIError(http.StatusNotFound, de.Code, de.Message, nil)
		case domain.KindForbidden:
			return newAPIError(http.StatusForbidden, de.Code, de.Message, nil)
		}
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func parseAmount(field, raw string) (decimal.Decimal, huma.StatusError) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, badRequest(field+" must be a decimal string", map[string]any{field: raw})
	}
	return d, nil
}

// require authenticates the caller and checks perm.
func (a routes) require(ctx context.Context, perm string) (auth.Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return auth.Principal{}, authErr
	}
	if err := a.auth.Require(p, perm); err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

// requireFor additionally checks that the caller acts for subjectID.
func (a routes) requireFor(ctx context.Context, perm, subjectID string) (auth.Principal, error) {
	p, err := a.require(ctx, perm)
	if err != nil {
		return auth.Principal{}, err
	}
	if err := a.auth.RequireSubject(p, subjectID); err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
}

func (a routes) registerPayments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-payment",
		Method:        http.MethodPost,
		Path:          "/payments",
		Summary:       "Create an escrow payment",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePaymentRequest
	}) (*out[PaymentSessionResponse], error) {
		payer := strings.TrimSpace(input.Body.PayerID)
		if payer == "" {
			if p, ok := principalFromContext(ctx); ok {
				payer = p.ActorID
			}
		}
		if _, err := a.requireFor(ctx, "payment.create", payer); err != nil {
			return nil, handleError(err)
		}
		amt, aerr := parseAmount("amount", input.Body.Amount)
		if aerr != nil {
			return nil, aerr
		}
		session, err := a.engine.CreatePayment(ctx, engine.CreatePaymentRequest{
			ProjectID: input.Body.ProjectID,
			QuoteID:   input.Body.QuoteID,
			PayerID:   payer,
			TradieID:  input.Body.TradieID,
			Amount:    amt,
			Currency:  input.Body.Currency,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sessionResponse(session)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/payments/{payment_id}",
		Summary:     "Get payment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
	}) (*out[PaymentResponse], error) {
		p, err := a.require(ctx, "payment.read")
		if err != nil {
			return nil, handleError(err)
		}
		pay, err := a.engine.GetPayment(ctx, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.auth.RequireSubject(p, pay.PayerID) != nil {
			if err := a.auth.RequireSubject(p, pay.TradieID); err != nil {
				return nil, handleError(err)
			}
		}
		res := paymentResponse(pay)
		verified := a.engine.FeesMatchRates(pay)
		res.FeesVerified = &verified
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-payment",
		Method:      http.MethodPost,
		Path:        "/payments/{payment_id}/confirm",
		Summary:     "Confirm a payment with the gateway and open its escrow",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
	}) (*out[EscrowResponse], error) {
		p, err := a.require(ctx, "payment.create")
		if err != nil {
			return nil, handleError(err)
		}
		pay, err := a.engine.GetPayment(ctx, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := a.auth.RequireSubject(p, pay.PayerID); err != nil {
			return nil, handleError(err)
		}
		if pay.GatewayReference == nil {
			return nil, handleError(domain.ErrPaymentState.WithMessage("payment %s has no gateway session", pay.ID))
		}
		esc, err := a.engine.ConfirmPayment(ctx, *pay.GatewayReference)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(escrowResponse(esc)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-payment",
		Method:      http.MethodPost,
		Path:        "/payments/{payment_id}/refund",
		Summary:     "Refund a payment before work starts",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PaymentID string                `path:"payment_id"`
		Body      *RefundPaymentRequest `required:"false"`
	}) (*out[PaymentResponse], error) {
		p, err := a.require(ctx, "payment.refund")
		if err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		pay, err := a.engine.RefundPayment(ctx, input.PaymentID, p.ActorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(paymentResponse(pay)), nil
	})
}

// VerifySignature checks a "sha256=<hex>" HMAC of body.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	got, ok := strings.CutPrefix(strings.TrimSpace(signature), "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (a routes) registerGatewayWebhook(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "gateway-webhook",
		Method:      http.MethodPost,
		Path:        "/gateway/webhook",
		Summary:     "Receive an asynchronous gateway status update",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Gateway-Signature"`
		Body      GatewayWebhookRequest
	}) (*out[GatewayEventResponse], error) {
		if !VerifySignature(a.secret, bodyBytes(ctx), input.Signature) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch", nil)
		}
		if strings.TrimSpace(input.Body.Reference) == "" {
			return nil, badRequest("reference is required", nil)
		}
		res, err := a.engine.HandleGatewayEvent(ctx, input.Body.Reference, gateway.Status(input.Body.Status), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(gatewayEventResponse(res)), nil
	})
}

func (a routes) registerEscrows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/escrows/{escrow_id}",
		Summary:     "Get escrow account",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EscrowID string `path:"escrow_id"`
	}) (*out[EscrowResponse], error) {
		if _, err := a.require(ctx, "escrow.read"); err != nil {
			return nil, handleError(err)
		}
		esc, err := a.engine.GetEscrow(ctx, input.EscrowID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(escrowResponse(esc)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escrows",
		Method:      http.MethodGet,
		Path:        "/escrows",
		Summary:     "List a tradie's escrow accounts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TradieID string `query:"tradie_id"`
	}) (*out[EscrowListResponse], error) {
		p, err := a.require(ctx, "escrow.read")
		if err != nil {
			return nil, handleError(err)
		}
		tradie := input.TradieID
		if tradie == "" {
			tradie = p.ActorID
		}
		if err := a.auth.RequireSubject(p, tradie); err != nil {
			return nil, handleError(err)
		}
		items, err := a.engine.ListEscrows(ctx, tradie)
		if err != nil {
			return nil, handleError(err)
		}
		res := EscrowListResponse{Items: []EscrowResponse{}}
		for _, esc := range items {
			res.Items = append(res.Items, escrowResponse(esc))
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-escrow",
		Method:      http.MethodPost,
		Path:        "/escrows/{escrow_id}/release",
		Summary:     "Release escrowed funds to the tradie",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		EscrowID string                `path:"escrow_id"`
		Body     *ReleaseEscrowRequest `required:"false"`
	}) (*out[ReleaseResponse], error) {
		p, err := a.require(ctx, "escrow.release")
		if err != nil {
			return nil, handleError(err)
		}
		esc, err := a.engine.GetEscrow(ctx, input.EscrowID)
		if err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.GetProject(ctx, esc.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := a.auth.RequireSubject(p, project.OwnerID); err != nil {
			return nil, handleError(err)
		}
		notes := ""
		if input.Body != nil {
			notes = input.Body.Notes
		}
		res, err := a.engine.ReleaseEscrowFunds(ctx, engine.ReleaseRequest{
			EscrowID: esc.ID,
			Trigger:  domain.ReleaseManual,
			ActorID:  p.ActorID,
			Notes:    notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(releaseResponse(res)), nil
	})
}

func (a routes) registerWithdrawals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-withdrawal",
		Method:        http.MethodPost,
		Path:          "/withdrawals",
		Summary:       "Request a payout of released funds",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWithdrawalRequest
	}) (*out[WithdrawalResponse], error) {
		tradie := strings.TrimSpace(input.Body.TradieID)
		if tradie == "" {
			if p, ok := principalFromContext(ctx); ok {
				tradie = p.ActorID
			}
		}
		if _, err := a.requireFor(ctx, "withdrawal.request", tradie); err != nil {
			return nil, handleError(err)
		}
		amt, aerr := parseAmount("amount", input.Body.Amount)
		if aerr != nil {
			return nil, aerr
		}
		var bank domain.BankDetails
		if b := input.Body.Bank; b != nil {
			bank = domain.BankDetails{AccountName: b.AccountName, RoutingNumber: b.RoutingNumber, AccountNumber: b.AccountNumber}
		}
		w, err := a.engine.RequestWithdrawal(ctx, engine.WithdrawalRequest{
			TradieID: tradie,
			EscrowID: input.Body.EscrowID,
			Amount:   amt,
			Bank:     bank,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(withdrawalResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/withdrawals",
		Summary:     "List withdrawals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TradieID string `query:"tradie_id"`
		EscrowID string `query:"escrow_id"`
		Status   string `query:"status" enum:"pending,approved,processing,completed,rejected"`
	}) (*out[WithdrawalListResponse], error) {
		p, err := a.require(ctx, "withdrawal.read")
		if err != nil {
			return nil, handleError(err)
		}
		tradie := input.TradieID
		if !a.auth.HasPermission(p, "withdrawal.manage") {
			if tradie == "" {
				tradie = p.ActorID
			}
			if err := a.auth.RequireSubject(p, tradie); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := a.engine.ListWithdrawals(ctx, repo.WithdrawalFilters{TradieID: tradie, EscrowID: input.EscrowID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		res := WithdrawalListResponse{Items: []WithdrawalResponse{}}
		for _, w := range items {
			res.Items = append(res.Items, withdrawalResponse(w))
		}
		return reply(res), nil
	})

	type withdrawalPath struct {
		WithdrawalID string `path:"withdrawal_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/approve",
		Summary:     "Approve a pending withdrawal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *withdrawalPath) (*out[WithdrawalResponse], error) {
		p, err := a.require(ctx, "withdrawal.manage")
		if err != nil {
			return nil, handleError(err)
		}
		w, err := a.engine.ApproveWithdrawal(ctx, input.WithdrawalID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(withdrawalResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/process",
		Summary:     "Mark an approved withdrawal as sent to the bank",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WithdrawalID string                    `path:"withdrawal_id"`
		Body         *ProcessWithdrawalRequest `required:"false"`
	}) (*out[WithdrawalResponse], error) {
		p, err := a.require(ctx, "withdrawal.manage")
		if err != nil {
			return nil, handleError(err)
		}
		ref := ""
		if input.Body != nil {
			ref = input.Body.PayoutReference
		}
		w, err := a.engine.ProcessWithdrawal(ctx, input.WithdrawalID, ref, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(withdrawalResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/complete",
		Summary:     "Complete a withdrawal and debit the tradie balance",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *withdrawalPath) (*out[WithdrawalResponse], error) {
		p, err := a.require(ctx, "withdrawal.manage")
		if err != nil {
			return nil, handleError(err)
		}
		w, err := a.engine.CompleteWithdrawal(ctx, input.WithdrawalID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(withdrawalResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/reject",
		Summary:     "Reject an open withdrawal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WithdrawalID string `path:"withdrawal_id"`
		Body         RejectWithdrawalRequest
	}) (*out[WithdrawalResponse], error) {
		p, err := a.require(ctx, "withdrawal.manage")
		if err != nil {
			return nil, handleError(err)
		}
		w, err := a.engine.RejectWithdrawal(ctx, input.WithdrawalID, input.Body.Reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(withdrawalResponse(w)), nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func (a routes) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "register-project",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}",
		Summary:     "Register a marketplace project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      RegisterProjectRequest
	}) (*out[ProjectResponse], error) {
		p, err := a.require(ctx, "project.write")
		if err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.RegisterProject(ctx, engine.RegisterProjectRequest{
			ID:      input.ProjectID,
			OwnerID: input.Body.OwnerID,
			Title:   input.Body.Title,
			ActorID: p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(project)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*out[ProjectResponse], error) {
		if _, err := a.require(ctx, "project.read"); err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(project)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*out[ProjectStatusResponse], error) {
		if _, err := a.require(ctx, "project.read"); err != nil {
			return nil, handleError(err)
		}
		status, err := a.engine.GetProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ProjectStatusResponse{ProjectID: input.ProjectID, Status: string(status)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agree-quote",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/agree",
		Summary:     "Agree an accepted quote and stamp the agreed price",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AgreeQuoteRequest
	}) (*out[ProjectResponse], error) {
		p, err := a.require(ctx, "project.write")
		if err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.AgreeQuote(ctx, input.ProjectID, input.Body.QuoteID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(project)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Move a project along the status graph",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      TransitionRequest
	}) (*out[ProjectResponse], error) {
		p, err := a.require(ctx, "project.transition")
		if err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.TransitionProject(ctx, engine.TransitionRequest{
			ProjectID: input.ProjectID,
			To:        domain.ProjectStatus(input.Body.To),
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(project)), nil
	})
}

func (a routes) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-quote",
		Method:      http.MethodPut,
		Path:        "/quotes/{quote_id}",
		Summary:     "Create or update a quote",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		QuoteID string `path:"quote_id"`
		Body    UpsertQuoteRequest
	}) (*out[QuoteResponse], error) {
		p, err := a.require(ctx, "catalog.write")
		if err != nil {
			return nil, handleError(err)
		}
		price, aerr := parseAmount("price", input.Body.Price)
		if aerr != nil {
			return nil, aerr
		}
		q, err := a.engine.UpsertQuote(ctx, domain.Quote{
			ID:        input.QuoteID,
			ProjectID: input.Body.ProjectID,
			TradieID:  input.Body.TradieID,
			Price:     price,
			Status:    domain.QuoteStatus(input.Body.Status),
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(quoteResponse(q)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-tradie",
		Method:      http.MethodPut,
		Path:        "/tradies/{tradie_id}",
		Summary:     "Create or update a tradie and its affiliate parent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TradieID string               `path:"tradie_id"`
		Body     *UpsertTradieRequest `required:"false"`
	}) (*out[TradieResponse], error) {
		p, err := a.require(ctx, "catalog.write")
		if err != nil {
			return nil, handleError(err)
		}
		t := domain.Tradie{ID: input.TradieID}
		if input.Body != nil {
			t.ParentTradieID = input.Body.ParentTradieID
		}
		saved, err := a.engine.UpsertTradie(ctx, t, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tradieResponse(saved)), nil
	})
}

func (a routes) registerDisputes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "open-dispute",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/disputes",
		Summary:     "Open a dispute and freeze the escrow",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      OpenDisputeRequest
	}) (*out[ProjectResponse], error) {
		p, err := a.require(ctx, "dispute.open")
		if err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.OpenDispute(ctx, input.ProjectID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(project)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/disputes/resolve",
		Summary:     "Resolve a dispute",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      ResolveDisputeRequest
	}) (*out[ProjectResponse], error) {
		p, err := a.require(ctx, "dispute.resolve")
		if err != nil {
			return nil, handleError(err)
		}
		project, err := a.engine.ResolveDispute(ctx, engine.ResolveRequest{
			ProjectID: input.ProjectID,
			To:        domain.ProjectStatus(input.Body.To),
			ActorID:   p.ActorID,
			Notes:     input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(project)), nil
	})
}

func (a routes) registerBalances(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balances/{user_id}",
		Summary:     "Get a user's balance and recent ledger entries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID  string `path:"user_id"`
		Entries int    `query:"entries" default:"20" minimum:"0" maximum:"500"`
	}) (*out[BalanceResponse], error) {
		if _, err := a.requireFor(ctx, "balance.read", input.UserID); err != nil {
			return nil, handleError(err)
		}
		view, err := a.engine.GetBalance(ctx, input.UserID, input.Entries)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(balanceResponse(view)), nil
	})
}

func (a routes) registerSweeps(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "run-auto-release",
		Method:      http.MethodPost,
		Path:        "/sweeps/auto-release",
		Summary:     "Run one auto-release sweep now",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*out[scheduler.Report], error) {
		if _, err := a.require(ctx, "sweep.run"); err != nil {
			return nil, handleError(err)
		}
		if a.sweeper == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "sweeper_unavailable", "auto-release sweeper not configured", nil)
		}
		rep, err := a.sweeper.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func (a routes) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		if _, err := a.require(ctx, "events.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := a.engine.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
