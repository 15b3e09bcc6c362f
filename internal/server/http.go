package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"epidemic_consensus/internal/consensus"
	"epidemic_consensus/internal/dataType"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProposeRequest is the body of POST {web_path}/propose.
type ProposeRequest struct {
	Key     string          `json:"key" validate:"required,max=256"`
	Value   json.RawMessage `json:"value" validate:"required"`
	Version uint64          `json:"version"`
}

// Routes registers the HTTP surface of the node on mux.
func (gm *GossipManager) Routes(mux *http.ServeMux) {
	base := gm.cfg.WebPath
	mux.HandleFunc(base+"/gossip", gm.HandleGossip)
	mux.HandleFunc(base+"/health_check", gm.HandleHealthCheck)
	mux.HandleFunc(base+"/consensus", gm.HandleConsensus)
	mux.HandleFunc(base+"/propose", gm.HandlePropose)
}

func (gm *GossipManager) writeText(w http.ResponseWriter, code int, text string) {
	w.WriteHeader(code)
	if _, err := w.Write([]byte(text)); err != nil {
		gm.logger.Error("failed to write response", zap.Error(err))
	}
}

func (gm *GossipManager) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		gm.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGossip is the inbound side of HTTPTransport.
func (gm *GossipManager) HandleGossip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, gm.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			gm.logger.Warn("gossip body too large", zap.String("remote", r.RemoteAddr), zap.Int64("limit", tooLarge.Limit))
			http.Error(w, "Request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	if !verifySignature(gm.cfg.GlobalSecret, body, r.Header.Get(SignatureHeader)) {
		gm.logger.Warn("invalid gossip signature", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var msg dataType.GossipMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// the last hop is the node that made this request
	hop := msg.LastHop()
	if _, ok := gm.cfg.PeerByName(hop); !ok {
		gm.logger.Warn("gossip from unknown node", zap.String("node", hop), zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden: Unknown node", http.StatusForbidden)
		return
	}

	if !gm.params.InReplayWindow(time.UnixMilli(msg.Timestamp), gm.now()) {
		// acknowledged so the sender does not retry
		gm.logger.Warn("dropped gossip outside the replay window",
			zap.String("sender", msg.Sender),
			zap.Int64("timestamp", msg.Timestamp))
		gm.writeText(w, http.StatusOK, "ACK")
		return
	}

	if !gm.Deliver(msg) {
		http.Error(w, "Inbox full", http.StatusServiceUnavailable)
		return
	}
	gm.writeText(w, http.StatusOK, "ACK")
}

// HealthStatus is returned by GET {web_path}/health_check.
type HealthStatus struct {
	Node        string  `json:"node"`
	Running     bool    `json:"running"`
	ActiveNodes int     `json:"active_nodes"`
	TotalNodes  int     `json:"total_nodes"`
	Fanout      int     `json:"fanout"`
	Items       int     `json:"items"`
	Converged   float64 `json:"converged"`
	Sent        int64   `json:"sent"`
	Received    int64   `json:"received"`
}

func (gm *GossipManager) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	status := HealthStatus{Node: gm.self}
	err := gm.Do(ctx, func() {
		status.Running = true
		status.ActiveNodes = gm.registry.CountActive()
		status.TotalNodes = gm.registry.Total()
		status.Fanout = gm.fanout
		status.Items = gm.ledger.Len()
		status.Converged = gm.ledger.ConvergedFraction()
	})
	status.Sent = gm.traffic.Total(dataType.TrafficSent)
	status.Received = gm.traffic.Total(dataType.TrafficReceived)
	if err != nil {
		gm.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	gm.writeJSON(w, http.StatusOK, status)
}

// HandleConsensus returns the ledger snapshot.
func (gm *GossipManager) HandleConsensus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	key := r.URL.Query().Get("key")
	var items []dataType.ItemSnapshot
	err := gm.Do(ctx, func() {
		if key != "" {
			items = gm.ledger.Snapshot(key)
			return
		}
		items = gm.ledger.Snapshot()
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if key != "" && len(items) == 0 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	gm.writeJSON(w, http.StatusOK, items)
}

// HandlePropose starts a proposal on this node.
func (gm *GossipManager) HandlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ProposeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, gm.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var (
		item consensus.Item
		perr error
	)
	err := gm.Do(ctx, func() {
		// sends outlive the request
		if req.Version > 0 {
			item, perr = gm.ProposeAt(context.Background(), req.Key, req.Value, req.Version)
			return
		}
		item, perr = gm.Propose(context.Background(), req.Key, req.Value)
	})
	switch {
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(perr, consensus.ErrInvalidProposal):
		http.Error(w, perr.Error(), http.StatusBadRequest)
	case errors.Is(perr, consensus.ErrStaleProposal):
		http.Error(w, perr.Error(), http.StatusConflict)
	case perr != nil:
		http.Error(w, perr.Error(), http.StatusInternalServerError)
	default:
		gm.writeJSON(w, http.StatusAccepted, item.Snapshot())
	}
}
