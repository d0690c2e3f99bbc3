package daemon

import (
	"encoding/json"
	"net/http"

	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/orchestrator"
	"papermill/internal/taskerr"
)

// convertRequest is the POST /convert and POST /builder body.
type convertRequest struct {
	Key        string `json:"key,omitempty"`
	URL        string `json:"url,omitempty"`
	Data       string `json:"data,omitempty"`
	FileType   string `json:"filetype,omitempty"`
	OutputType string `json:"outputtype,omitempty"`
	Title      string `json:"title,omitempty"`
	Password   string `json:"password,omitempty"`
	Codepage   int    `json:"codePage,omitempty"`
	Delimiter  int    `json:"delimiter,omitempty"`
	LCID       int    `json:"lcid,omitempty"`
	Async      bool   `json:"async,omitempty"`

	Thumbnail *doctask.Thumbnail `json:"thumbnail,omitempty"`
}

// convertResponse reports a conversion episode's progress or outcome.
type convertResponse struct {
	Key        string `json:"key,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	EndConvert bool   `json:"endConvert"`
	Error      int    `json:"error,omitempty"`
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	token := d.cfg.Paths.APIToken
	mux.HandleFunc("/convert", authMiddleware(token, d.handleConvert))
	mux.HandleFunc("/builder", authMiddleware(token, d.handleBuilder))
	mux.HandleFunc("/healthcheck", d.handleHealthcheck)
	mux.Handle("/metrics", d.metrics.Handler())
	mux.Handle("/pubsub", d.wsServer)
	return mux
}

func (d *Daemon) handleConvert(w http.ResponseWriter, r *http.Request) {
	d.runEpisode(w, r, false)
}

func (d *Daemon) handleBuilder(w http.ResponseWriter, r *http.Request) {
	d.runEpisode(w, r, true)
}

func (d *Daemon) runEpisode(w http.ResponseWriter, r *http.Request, builder bool) {
	if r.Method != http.MethodPost {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if d.draining.Load() {
		d.writeJSON(w, http.StatusOK, convertResponse{Error: int(taskerr.QueueOrTransport)})
		return
	}
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		d.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || (req.URL == "" && req.Data == "") {
		d.writeJSON(w, http.StatusOK, convertResponse{Error: int(taskerr.ConvertParams)})
		return
	}

	conv := orchestrator.ConvertRequest{
		DocID:        req.Key,
		Format:       req.FileType,
		OutputFormat: req.OutputType,
		URL:          req.URL,
		Data:         req.Data,
		Title:        req.Title,
		BaseURL:      baseURLFromRequest(r),
		Codepage:     req.Codepage,
		Delimiter:    req.Delimiter,
		LCID:         req.LCID,
		Password:     req.Password,
		Thumbnail:    req.Thumbnail,
		Async:        req.Async,
	}
	var (
		out *doctask.OutputData
		err error
	)
	if builder {
		out, err = d.orch.Builder(r.Context(), conv)
	} else {
		out, err = d.orch.ConvertByCmd(r.Context(), conv)
	}
	if err != nil {
		d.logger.Error("conversion request failed", logging.Error(err),
			logging.String("key", req.Key))
		d.writeJSON(w, http.StatusOK, convertResponse{Error: int(taskerr.Unknown)})
		return
	}
	d.writeJSON(w, http.StatusOK, episodeResponse(out))
}

func episodeResponse(out *doctask.OutputData) convertResponse {
	switch out.Status {
	case doctask.OutputOK:
		url, _ := out.Data.(string)
		return convertResponse{FileURL: url, EndConvert: true}
	case doctask.OutputWaitOpen:
		return convertResponse{Key: out.Extra}
	default:
		code := taskerr.Unknown
		if c, ok := out.Data.(taskerr.Code); ok {
			code = c
		}
		return convertResponse{EndConvert: true, Error: int(code)}
	}
}

func (d *Daemon) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	healthy := d.queue.HealthCheck(ctx) == nil && d.changes.HealthCheck(ctx) == nil
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("false"))
		return
	}
	_, _ = w.Write([]byte("true"))
}

// baseURLFromRequest reconstructs the externally visible base URL signed
// download links should use.
func baseURLFromRequest(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}

func (d *Daemon) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		d.logger.Warn("response encoding failed", logging.Error(err))
	}
}

func (d *Daemon) writeError(w http.ResponseWriter, status int, message string) {
	d.writeJSON(w, status, map[string]string{"error": message})
}
