package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_mismatch"`
	Message string         `json:"message" example:"stream expects proof for stage 1, got 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stagegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stagegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStreams(group, cfg.Engine)
	registerProofs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

// handleError maps engine error kinds to transport codes. Typed errors carry
// the classification; string matching is not used.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "stream not found", nil)
	}
	var sme engine.StageMismatchError
	if errors.As(err, &sme) {
		return newAPIError(http.StatusBadRequest, "stage_mismatch", err.Error(), map[string]any{
			"expectedStage": sme.Expected,
			"gotStage":      sme.Got,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var sce engine.StateConflictError
	if errors.As(err, &sce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ce engine.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "collaborator_error", err.Error(), map[string]any{
			"service": ce.Service,
			"op":      ce.Op,
		})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "collaborator_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stagegate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStreams(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-stream",
		Method:        http.MethodPost,
		Path:          "/streams/start",
		Summary:       "Start a stream",
		Description:   "Locks the total amount in on-chain custody, creates the stage schedule, and releases the first stage.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body StartStreamRequest `json:"body"`
	}) (*struct {
		Body StartStreamResponse `json:"body"`
	}, error) {
		if input.Body.Beneficiary == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "beneficiary is required", nil)
		}
		res, err := e.CreateStream(ctx, input.Body.Beneficiary, input.Body.TotalAmountSol)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartStreamResponse `json:"body"`
		}{Body: StartStreamResponse{
			StreamID:       res.Stream.ID,
			CurrentStage:   res.Stream.CurrentStage,
			Status:         res.Stream.Status,
			TotalAmountSol: res.Stream.TotalSOL,
			InitialRelease: releaseInfo(res.InitialRelease),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proof",
		Method:      http.MethodPost,
		Path:        "/streams/proof",
		Summary:     "Submit proof for the current stage",
		Description: "Verifies the evidence against the oracle and, on a passing verdict, releases the stage.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SubmitProofRequest `json:"body"`
	}) (*struct {
		Body SubmitProofResponse `json:"body"`
	}, error) {
		if input.Body.StreamID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "streamId is required", nil)
		}
		res, err := e.SubmitProof(ctx, input.Body.StreamID, input.Body.StageIndex, input.Body.FileURL, input.Body.Categories)
		if err != nil {
			return nil, handleError(err)
		}
		out := SubmitProofResponse{
			ProofID:            res.Proof.ID,
			StreamID:           res.Proof.StreamID,
			StageIndex:         res.Proof.StageIndex,
			Status:             res.Proof.Status,
			VerificationResult: res.Verdict,
		}
		if res.Released != nil {
			info := releaseInfo(*res.Released)
			out.NextStageRelease = &info
		}
		return &struct {
			Body SubmitProofResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/streams",
		Summary:     "List streams",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Stream `json:"body"`
	}, error) {
		items, err := e.ListStreams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Stream{}
		}
		return &struct {
			Body []domain.Stream `json:"body"`
		}{Body: items}, nil
	})

	type streamPath struct {
		StreamID string `path:"stream_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "stream-status",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/status",
		Summary:     "Stream status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body StreamStatusResponse `json:"body"`
	}, error) {
		doc, err := e.StreamStatus(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamStatusResponse `json:"body"`
		}{Body: statusResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-stream",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/pause",
		Summary:     "Pause a stream",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body StreamLifecycleResponse `json:"body"`
	}, error) {
		s, err := e.PauseStream(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamLifecycleResponse `json:"body"`
		}{Body: StreamLifecycleResponse{StreamID: s.ID, Status: s.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-stream",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/resume",
		Summary:     "Resume a stream",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body StreamLifecycleResponse `json:"body"`
	}, error) {
		s, err := e.ResumeStream(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamLifecycleResponse `json:"body"`
		}{Body: StreamLifecycleResponse{StreamID: s.ID, Status: s.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-stream",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/cancel",
		Summary:     "Cancel a stream",
		Description: "Cancels locally and attempts the on-chain unwind; a chain failure is reported but does not block the cancellation.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body StreamLifecycleResponse `json:"body"`
	}, error) {
		res, err := e.CancelStream(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamLifecycleResponse `json:"body"`
		}{Body: StreamLifecycleResponse{
			StreamID:    res.Stream.ID,
			Status:      res.Stream.Status,
			TxSignature: res.TxSignature,
			ChainError:  res.ChainError,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stream-onchain",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/onchain",
		Summary:     "On-chain escrow state",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *streamPath) (*struct {
		Body engine.OnChainInfo `json:"body"`
	}, error) {
		info, err := e.OnChain(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.OnChainInfo `json:"body"`
		}{Body: info}, nil
	})
}

func registerProofs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proofs",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/proofs",
		Summary:     "Proof history for a stream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
	}) (*struct {
		Body []domain.Proof `json:"body"`
	}, error) {
		items, err := e.ListProofs(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Proof{}
		}
		return &struct {
			Body []domain.Proof `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/events",
		Summary:     "Ledger entries for a stream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.StreamEvents(ctx, input.StreamID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
