package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/r3e-benchfabric/master/internal/campaign"
	"github.com/r3e-benchfabric/master/internal/eventbus"
	httpmw "github.com/r3e-benchfabric/master/internal/httpmw"
	"github.com/r3e-benchfabric/master/internal/master"
	"github.com/r3e-benchfabric/master/internal/registry"
	"github.com/r3e-benchfabric/master/internal/security"
	"github.com/r3e-benchfabric/master/internal/tracepuller"
	"github.com/r3e-benchfabric/master/internal/wsmux"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerFrame is the first message a SUT sends after opening the control
// channel, per the register frame catalogue entry.
type registerFrame struct {
	SUTID        string   `json:"sut_id"`
	IP           string   `json:"ip"`
	Hostname     string   `json:"hostname"`
	CPUModel     string   `json:"cpu_model"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// handleControlChannel upgrades the connection, reads the register frame,
// installs the session, and loops reading subsequent frames until the
// connection drops — at which point the device is marked offline and any
// accounts it held are released.
func handleControlChannel(m *master.Master) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ctx := r.Context()
		var reg registerFrame
		var env wsmux.Envelope
		if err := conn.ReadJSON(&env); err != nil || env.Type != wsmux.FrameRegister {
			conn.Close()
			return
		}
		if err := json.Unmarshal(env.Data, &reg); err != nil || reg.SUTID == "" {
			conn.Close()
			return
		}

		host, portStr, _ := splitHostPort(r.RemoteAddr)
		if reg.IP != "" {
			host = reg.IP
		}
		port, _ := strconv.Atoi(portStr)

		m.Registry.Upsert(ctx, host, port, reg.SUTID, registry.UpsertAttrs{
			Hostname:     reg.Hostname,
			CPUModel:     reg.CPUModel,
			Capabilities: reg.Capabilities,
		})

		session := m.Sessions.Connect(reg.SUTID, conn)
		m.Campaign.EnsureWorker(ctx, reg.SUTID)

		ackData, _ := json.Marshal(map[string]interface{}{"sut_id": reg.SUTID})
		_ = session.Send(wsmux.Envelope{Type: wsmux.FrameRegisterAck, Data: ackData})

		defer func() {
			m.Sessions.Disconnect(reg.SUTID, session)
			_ = m.Registry.MarkOffline(ctx, reg.SUTID)
			m.Accounts.ReleaseAllForSUT(ctx, reg.SUTID)
		}()

		for {
			var frame wsmux.Envelope
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Type {
			case wsmux.FrameHeartbeat:
				ack, _ := json.Marshal(map[string]interface{}{"timestamp": time.Now().Unix()})
				_ = session.Send(wsmux.Envelope{Type: wsmux.FrameHeartbeatAck, Data: ack})
			case wsmux.FrameStatusUpdate, wsmux.FrameResult:
				// Observational frames: recorded on the event bus for admin
				// consumers (SSE replay, logging) rather than acted on here.
				m.Bus.Emit(eventbus.Kind("sut_frame_"+frame.Type), map[string]interface{}{
					"sut_id": reg.SUTID, "data": frame.Data,
				})
			}
		}
	}
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", nil
}

// registerAdminRoutes wires the admin-only HTTP surface: device listing and
// pairing, campaign lifecycle, account status, vision-queue stats, and the
// trace-diagnose supplement. When adminTokens is non-empty the subrouter is
// gated behind a shared-secret header, so the admin API is never reachable
// without it even if the deployment forgets to front it with a proxy.
func registerAdminRoutes(router *mux.Router, m *master.Master, adminTokens []string) {
	admin := router.PathPrefix("/admin").Subrouter()
	if len(adminTokens) > 0 {
		admin.Use(httpmw.HeaderGateMiddleware(adminTokens...))
	}
	admin.Use(httpmw.NewValidationMiddleware(httpmw.ValidationConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)
	adminLimiter := httpmw.NewRateLimiterFromConfig(httpmw.StrictRateLimiterConfig(m.Logger))
	admin.Use(adminLimiter.Handler)

	admin.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Registry.List(registry.Filter{}))
	}).Methods(http.MethodGet)

	admin.HandleFunc("/devices/{id}/pair", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		dev, err := m.Registry.Pair(r.Context(), id, "admin")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, dev)
	}).Methods(http.MethodPost)

	admin.HandleFunc("/devices/{id}/unpair", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := m.Registry.Unpair(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	admin.HandleFunc("/devices/{id}/display-name", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var body struct {
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DisplayName == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "display_name is required"})
			return
		}
		if err := m.Registry.SetDisplayName(r.Context(), id, body.DisplayName); err != nil {
			writeError(w, err)
			return
		}
		// Propagate to the SUT when its control channel is up so the machine
		// can rename itself; an offline SUT just keeps the registry name.
		if m.Sessions.IsConnected(id) {
			data, _ := json.Marshal(map[string]string{"display_name": body.DisplayName})
			_ = m.Sessions.Send(id, wsmux.Envelope{Type: wsmux.FrameRenamePC, Data: data})
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	admin.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Accounts.Status())
	}).Methods(http.MethodGet)

	admin.HandleFunc("/suts/{id}/trace-diagnose", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		puller, err := m.PullerFor(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, puller.DiagnoseConnection(r.Context()))
	}).Methods(http.MethodGet)

	admin.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		history, err := m.Store.LoadRunHistory()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, history)
	}).Methods(http.MethodGet)

	admin.HandleFunc("/campaigns", handleCreateCampaign(m)).Methods(http.MethodPost)

	admin.HandleFunc("/campaigns/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := m.Campaign.StopCampaign(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	admin.HandleFunc("/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Vision.AllStats())
	}).Methods(http.MethodGet)

	admin.HandleFunc("/queue/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		writeJSON(w, map[string]interface{}{
			"jobs":  m.Vision.AllJobHistory(limit),
			"depth": m.Vision.AllDepthHistory(limit),
		})
	}).Methods(http.MethodGet)

	admin.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		n := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				n = parsed
			}
		}
		writeJSON(w, m.Bus.Recent(n))
	}).Methods(http.MethodGet)
}

// createCampaignRequest mirrors spec.md §2's data-flow POST body: a cross
// product of SUTs x games run iterationsPerGame times, with a shared preset
// and per-run options every dispatched work item inherits.
type createCampaignRequest struct {
	SUTs              []string              `json:"suts"`
	Games             []string              `json:"games"`
	IterationsPerGame int                   `json:"iterations_per_game"`
	Quality           string                `json:"quality"`
	Resolution        string                `json:"resolution"`
	Options           createCampaignOptions `json:"options"`
}

type createCampaignOptions struct {
	SkipAccountLogin bool                     `json:"skip_account_login"`
	DisableTracing   bool                     `json:"disable_tracing"`
	CooldownSeconds  int                      `json:"cooldown_seconds"`
	StartStep        int                      `json:"start_step"`
	EndStep          int                      `json:"end_step"`
	TracingAgents    []tracepuller.AgentConfig `json:"tracing_agents"`
}

// handleCreateCampaign decodes a campaign request, assigns a fresh
// campaign_id, and hands it to Master.CreateCampaign, which builds the
// per-SUT work queues and wakes their workers immediately.
func handleCreateCampaign(m *master.Master) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCampaignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
			return
		}
		if len(req.SUTs) == 0 || len(req.Games) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "suts and games are required"})
			return
		}
		iterations := req.IterationsPerGame
		if iterations <= 0 {
			iterations = 1
		}

		id := uuid.NewString()
		m.CreateCampaign(id, req.SUTs, req.Games, iterations, campaign.Config{
			Quality:          req.Quality,
			Resolution:       req.Resolution,
			SkipAccountLogin: req.Options.SkipAccountLogin,
			DisableTracing:   req.Options.DisableTracing,
			CooldownSeconds:  req.Options.CooldownSeconds,
			StartStep:        req.Options.StartStep,
			EndStep:          req.Options.EndStep,
			TracingAgents:    req.Options.TracingAgents,
		})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"campaign_id": id})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": security.SanitizeError(err)})
}
