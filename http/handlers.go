package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"invpredict/db"
	"invpredict/ml"
	"invpredict/monitoring"
	"invpredict/service"
	"invpredict/training"
)

const welcomeMessage = "Welcome to the Inventory Prediction API! Use /predict to upload your inventory data."

const (
	codeInternal         = service.CodeInternal
	codeMalformed        = service.CodeMalformedPayload
	codeValidation       = service.CodeValidationFailed
	codePayloadTooLarge  = "payload_too_large"
	codeInsufficientData = "insufficient_data"
	codeInvalidConfig    = "invalid_config"
	codeNoDataset        = "no_dataset"
	codeQueueFull        = "queue_full"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
)

// DatasetSource loads the configured training dataset for POST /train
// requests that carry no records.
type DatasetSource func() (ml.Dataset, error)

// Handlers 路由处理器. Runner, Ledger, Hub, Metrics and Dataset are optional;
// routes that need a missing dependency are not registered.
type Handlers struct {
	Service       *service.Service
	Runner        *training.Runner
	Ledger        *db.Store
	Hub           *monitoring.WebSocketHub
	Metrics       *monitoring.Metrics
	Dataset       DatasetSource
	TrainDefaults training.Config
	Logger        *zap.Logger
}

// Register 注册所有路由
func (h *Handlers) Register(mux *http.ServeMux) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	h.handle(mux, "GET /{$}", h.handleWelcome)
	h.handle(mux, "POST /predict", h.handlePredict)
	h.handle(mux, "GET /health", h.handleHealth)
	h.handle(mux, "GET /model", h.handleModel)
	if h.Runner != nil {
		h.handle(mux, "POST /train", h.handleTrain)
		h.handle(mux, "GET /train", h.handleListRuns)
		h.handle(mux, "GET /train/{id}", h.handleGetRun)
		h.handle(mux, "DELETE /train/{id}", h.handleCancelRun)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws/training", h.Hub.HandleWebSocket)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}
}

func (h *Handlers) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, instrument(h.Metrics, pattern, fn))
}

func (h *Handlers) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, welcomeMessage)
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	resp := h.Service.HandlePredict(r.Context(), body)
	h.reply(w, resp.Status, resp.Body)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.Service.HandleHealth()
	h.reply(w, resp.Status, resp.Body)
}

func (h *Handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	resp := h.Service.HandleModelInfo()
	h.reply(w, resp.Status, resp.Body)
}

type trainRequest struct {
	Records      []ml.RawRecord `json:"records"`
	TestFraction *float64       `json:"test_fraction"`
	RandomSeed   *int64         `json:"random_seed"`
	Metrics      []string       `json:"metrics"`
}

func (h *Handlers) handleTrain(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	cfg := h.TrainDefaults
	var ds ml.Dataset
	if len(bytes.TrimSpace(body)) == 0 {
		if h.Dataset == nil {
			writeError(w, http.StatusBadRequest, codeNoDataset, "no records supplied and no training dataset configured")
			return
		}
		loaded, err := h.Dataset()
		if err != nil {
			h.Logger.Error("failed to load training dataset", zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "failed to load training dataset")
			return
		}
		ds = loaded
	} else {
		var req trainRequest
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeMalformed, "body must be a JSON object: "+err.Error())
			return
		}
		built, err := ml.BuildDataset(req.Records, h.Service.Schema())
		if err != nil {
			writeDatasetError(w, err)
			return
		}
		ds = built
		if req.TestFraction != nil {
			cfg.TestFraction = *req.TestFraction
		}
		if req.RandomSeed != nil {
			cfg.RandomSeed = req.RandomSeed
		}
		if len(req.Metrics) > 0 {
			cfg.Metrics = req.Metrics
		}
	}

	job, err := h.Runner.Submit(ds, cfg)
	switch {
	case err == nil:
		h.reply(w, http.StatusAccepted, job)
	case training.IsInsufficientData(err):
		writeError(w, http.StatusBadRequest, codeInsufficientData, err.Error())
	case errors.Is(err, training.ErrQueueFull), errors.Is(err, training.ErrRunnerClosed):
		writeError(w, http.StatusServiceUnavailable, codeQueueFull, err.Error())
	default:
		writeError(w, http.StatusBadRequest, codeInvalidConfig, err.Error())
	}
}

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}

	if h.Ledger == nil {
		runs := h.Runner.List()
		if len(runs) > limit {
			runs = runs[:limit]
		}
		h.reply(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}
	runs, err := h.Ledger.ListRuns(r.Context(), limit)
	if err != nil {
		h.Logger.Error("failed to list training runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	h.reply(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if job, ok := h.Runner.Get(id); ok {
		h.reply(w, http.StatusOK, job)
		return
	}
	if h.Ledger != nil {
		job, err := h.Ledger.GetRun(r.Context(), id)
		if err == nil {
			h.reply(w, http.StatusOK, job)
			return
		}
		if !errors.Is(err, db.ErrRunNotFound) {
			h.Logger.Error("failed to read training run", zap.String("job_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
	}
	writeError(w, http.StatusNotFound, codeNotFound, training.ErrJobNotFound.Error())
}

func (h *Handlers) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := h.Runner.Cancel(id); {
	case err == nil:
		job, _ := h.Runner.Get(id)
		h.reply(w, http.StatusAccepted, job)
	case errors.Is(err, training.ErrJobNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, training.ErrJobFinished):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body too large")
		return nil, false
	}
	writeError(w, http.StatusBadRequest, codeMalformed, "failed to read request body")
	return nil, false
}

func writeDatasetError(w http.ResponseWriter, err error) {
	var invalid *ml.DatasetError
	if !errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	var details []service.ErrorDetail
	for _, rec := range invalid.Records {
		var fields *ml.ValidationError
		if !errors.As(rec.Err, &fields) {
			details = append(details, service.ErrorDetail{Index: rec.Index, Reason: rec.Err.Error()})
			continue
		}
		for _, p := range fields.Problems {
			details = append(details, service.ErrorDetail{Index: rec.Index, Field: p.FieldName(), Reason: p.Reason()})
		}
	}
	writeJSON(w, http.StatusBadRequest, service.ErrorBody{
		Error:   "one or more records are invalid",
		Code:    codeValidation,
		Details: details,
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, service.ErrorBody{Error: msg, Code: code})
}

// reply writes body and logs when it cannot be encoded.
func (h *Handlers) reply(w http.ResponseWriter, status int, body any) {
	if err := writeJSON(w, status, body); err != nil {
		h.Logger.Error("failed to encode response", zap.Int("status", status), zap.Error(err))
	}
}

// writeJSON encodes body before touching the response, so a body that
// cannot be encoded turns into a 500 instead of an empty reply.
func writeJSON(w http.ResponseWriter, status int, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(service.ErrorBody{Error: "internal error", Code: codeInternal})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
	return err
}
